// CloudBox - Unified cloud file management.
// Copyright (c) 2022-present, b3log.org
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package cloud

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"github.com/siyuan-note/cloudbox/entity"
	"github.com/siyuan-note/httpclient"
	"github.com/siyuan-note/logging"
)

// SMMS 描述了 SM.MS 图床服务实现。
// 图床没有目录层级，对象键即文件名；上传后的直链和删除凭证通过 URL 缓存记忆。
type SMMS struct {
	*BaseCloud
}

func NewSMMS(baseCloud *BaseCloud) *SMMS {
	return &SMMS{BaseCloud: baseCloud}
}

const smmsEndpoint = "https://sm.ms/api/v2"

func (smms *SMMS) endpoint() string {
	if "" != smms.Conf.SMMS.Server {
		return smms.Conf.SMMS.Server
	}
	return smmsEndpoint
}

type smmsItem struct {
	Filename  string `json:"filename"`
	Storename string `json:"storename"`
	Size      int64  `json:"size"`
	Hash      string `json:"hash"`
	URL       string `json:"url"`
	CreatedAt string `json:"created_at"`
}

type smmsUploadResult struct {
	Success bool     `json:"success"`
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Data    smmsItem `json:"data"`
	Images  string   `json:"images"`
}

type smmsHistoryResult struct {
	Success     bool       `json:"success"`
	Code        string     `json:"code"`
	Message     string     `json:"message"`
	Data        []smmsItem `json:"data"`
	CurrentPage int        `json:"CurrentPage"`
	TotalPages  int        `json:"TotalPages"`
}

type smmsProfileResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    struct {
		Username     string `json:"username"`
		DiskUsageRaw int64  `json:"disk_usage_raw"`
		DiskLimitRaw int64  `json:"disk_limit_raw"`
	} `json:"data"`
}

func (smms *SMMS) List(ctx context.Context, prefix string, cursor *Cursor, delimiter string) (ret *ListResult, err error) {
	page := 1
	if nil != cursor && 0 < cursor.Page {
		page = cursor.Page
	}

	result, err := smms.history(page)
	if nil != err {
		return
	}

	ret = &ListResult{}
	for _, item := range result.Data {
		key := smms.entryKey(item)
		if "" != prefix && !strings.HasPrefix(key, prefix) {
			continue
		}
		ret.Entries = append(ret.Entries, &entity.ObjectEntry{
			Key:       key,
			Size:      item.Size,
			ETag:      item.Hash,
			Updated:   parseImageTime(item.CreatedAt),
			PublicURL: item.URL,
		})
		CacheURL(smms.Conf.ID, key, &URLInfo{URL: item.URL, DeleteToken: item.Hash})
	}
	if result.CurrentPage < result.TotalPages {
		ret.Next = &Cursor{Page: page + 1}
	}
	WaitURLCache()
	return
}

func (smms *SMMS) Upload(ctx context.Context, localPath, key string, ckpt *entity.Checkpoint, progress TransferFunc) (ret *entity.Checkpoint, err error) {
	info, err := os.Stat(localPath)
	if nil != err {
		return
	}

	result := &smmsUploadResult{}
	resp, err := httpclient.NewCloudFileRequest2m().
		SetHeader("Authorization", smms.Conf.SMMS.Token).
		SetFile("smfile", localPath).
		SetSuccessResult(result).
		Post(smms.endpoint() + "/upload")
	if nil != err {
		err = fmt.Errorf("upload [%s] failed: %s", localPath, err)
		return
	}
	if 200 != resp.StatusCode {
		err = smms.parseStatus(resp.StatusCode)
		return
	}
	if !result.Success {
		if "image_repeated" == result.Code && "" != result.Images {
			// 重复上传时服务端返回已存在的直链，缓存键与列表条目的键推导保持一致
			CacheURL(smms.Conf.ID, smms.repeatedKey(result, key), &URLInfo{URL: result.Images})
			if nil != progress {
				progress(info.Size(), info.Size())
			}
			return
		}
		err = fmt.Errorf("upload [%s] failed: %s", localPath, result.Message)
		return
	}

	CacheURL(smms.Conf.ID, smms.entryKey(result.Data), &URLInfo{URL: result.Data.URL, DeleteToken: result.Data.Hash})
	if nil != progress {
		progress(info.Size(), info.Size())
	}
	return
}

func (smms *SMMS) Download(ctx context.Context, key, localPath string, progress TransferFunc) (err error) {
	urlInfo, ok := CachedURL(smms.Conf.ID, key)
	if !ok {
		err = ErrURLNotCached
		return
	}

	resp, err := httpclient.NewCloudFileRequest2m().Get(urlInfo.URL)
	if nil != err {
		err = fmt.Errorf("download object [%s] failed: %s", key, err)
		return
	}
	defer resp.Body.Close()
	if 200 != resp.StatusCode {
		err = smms.parseStatus(resp.StatusCode)
		return
	}
	return streamToFile(ctx, resp.Body, localPath, resp.ContentLength, progress)
}

func (smms *SMMS) Remove(ctx context.Context, key string) (err error) {
	hash, err := smms.deleteToken(key)
	if nil != err {
		if errors.Is(err, ErrCloudObjectNotFound) {
			err = nil
		}
		return
	}

	resp, err := httpclient.NewCloudRequest30s().
		SetHeader("Authorization", smms.Conf.SMMS.Token).
		Get(smms.endpoint() + "/delete/" + hash + "?format=json")
	if nil != err {
		err = fmt.Errorf("remove object [%s] failed: %s", key, err)
		return
	}
	defer resp.Body.Close()
	if 200 != resp.StatusCode && 404 != resp.StatusCode {
		err = smms.parseStatus(resp.StatusCode)
	}
	return
}

func (smms *SMMS) RemoveAll(ctx context.Context, keys []string) (err error) {
	for _, key := range keys {
		if err = smms.Remove(ctx, key); nil != err {
			return
		}
	}
	return
}

func (smms *SMMS) PresignURL(ctx context.Context, key string, ttl time.Duration) (url string, err error) {
	urlInfo, ok := CachedURL(smms.Conf.ID, key)
	if !ok {
		err = ErrUnsupported
		return
	}
	url = urlInfo.URL
	return
}

func (smms *SMMS) GetStat(ctx context.Context) (stat *Stat, err error) {
	stat = &Stat{Bucket: "sm.ms"}

	var cursor *Cursor
	for {
		result, listErr := smms.List(ctx, "", cursor, "")
		if nil != listErr {
			err = listErr
			return
		}
		for _, listEntry := range result.Entries {
			stat.Count++
			stat.TotalBytes += listEntry.Size
		}
		if nil == result.Next {
			break
		}
		cursor = result.Next
	}

	profile := &smmsProfileResult{}
	resp, profileErr := httpclient.NewCloudRequest30s().
		SetHeader("Authorization", smms.Conf.SMMS.Token).
		SetSuccessResult(profile).
		Post(smms.endpoint() + "/profile")
	if nil != profileErr || 200 != resp.StatusCode || !profile.Success {
		logging.LogWarnf("get profile failed, fall back to history totals: %v", profileErr)
		return
	}
	stat.Bucket = profile.Data.Username
	stat.TotalBytes = profile.Data.DiskUsageRaw
	stat.QuotaBytes = profile.Data.DiskLimitRaw
	return
}

func (smms *SMMS) history(page int) (result *smmsHistoryResult, err error) {
	result = &smmsHistoryResult{}
	resp, err := httpclient.NewCloudRequest30s().
		SetHeader("Authorization", smms.Conf.SMMS.Token).
		SetSuccessResult(result).
		Get(fmt.Sprintf("%s/upload_history?page=%d", smms.endpoint(), page))
	if nil != err {
		err = fmt.Errorf("list upload history failed: %s", err)
		return
	}
	if 200 != resp.StatusCode {
		err = smms.parseStatus(resp.StatusCode)
		return
	}
	if !result.Success {
		err = fmt.Errorf("list upload history failed: %s", result.Message)
	}
	return
}

// deleteToken 返回删除凭证，缓存未命中时重新拉取历史查找。
func (smms *SMMS) deleteToken(key string) (hash string, err error) {
	if urlInfo, ok := CachedURL(smms.Conf.ID, key); ok && "" != urlInfo.DeleteToken {
		hash = urlInfo.DeleteToken
		return
	}

	page := 1
	for {
		result, historyErr := smms.history(page)
		if nil != historyErr {
			err = historyErr
			return
		}
		for _, item := range result.Data {
			CacheURL(smms.Conf.ID, smms.entryKey(item), &URLInfo{URL: item.URL, DeleteToken: item.Hash})
			if smms.entryKey(item) == key {
				hash = item.Hash
				return
			}
		}
		if result.CurrentPage >= result.TotalPages {
			break
		}
		page++
	}
	err = ErrCloudObjectNotFound
	return
}

func (smms *SMMS) entryKey(item smmsItem) string {
	if "" != item.Filename {
		return item.Filename
	}
	return item.Storename
}

// repeatedKey 推导重复上传响应对应的缓存键。响应里带了原始条目时
// 与列表一致用 entryKey，否则退回本次上传的文件名。
func (smms *SMMS) repeatedKey(result *smmsUploadResult, key string) string {
	if ret := smms.entryKey(result.Data); "" != ret {
		return ret
	}
	return path.Base(key)
}

func (smms *SMMS) parseStatus(statusCode int) error {
	switch statusCode {
	case 404:
		return ErrCloudObjectNotFound
	case 401, 403:
		return ErrCloudAuthFailed
	case 429:
		return ErrCloudTooManyRequests
	case 502, 503, 504:
		return ErrCloudServiceUnavailable
	}
	return fmt.Errorf("cloud service failed [%d]", statusCode)
}

func parseImageTime(s string) int64 {
	if "" == s {
		return 0
	}
	t, err := time.Parse("2006-01-02 15:04:05", s)
	if nil != err {
		return 0
	}
	return t.UnixMilli()
}
