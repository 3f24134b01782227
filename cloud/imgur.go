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

// Imgur 描述了 Imgur 图床服务实现。
// 匿名上传仅需 Client ID，列表、删除和统计需要账号访问令牌。
type Imgur struct {
	*BaseCloud
}

func NewImgur(baseCloud *BaseCloud) *Imgur {
	return &Imgur{BaseCloud: baseCloud}
}

const imgurEndpoint = "https://api.imgur.com/3"

type imgurImage struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	DeleteHash string `json:"deletehash"`
	Link       string `json:"link"`
	Size       int64  `json:"size"`
	Datetime   int64  `json:"datetime"`
}

type imgurUploadResult struct {
	Success bool       `json:"success"`
	Status  int        `json:"status"`
	Data    imgurImage `json:"data"`
}

type imgurImagesResult struct {
	Success bool         `json:"success"`
	Status  int          `json:"status"`
	Data    []imgurImage `json:"data"`
}

type imgurCountResult struct {
	Success bool  `json:"success"`
	Status  int   `json:"status"`
	Data    int64 `json:"data"`
}

func (imgur *Imgur) List(ctx context.Context, prefix string, cursor *Cursor, delimiter string) (ret *ListResult, err error) {
	page := 0
	if nil != cursor {
		page = cursor.Page
	}

	result, err := imgur.images(page)
	if nil != err {
		return
	}

	ret = &ListResult{}
	for _, image := range result.Data {
		key := imgur.entryKey(image)
		if "" != prefix && !strings.HasPrefix(key, prefix) {
			continue
		}
		ret.Entries = append(ret.Entries, &entity.ObjectEntry{
			Key:       key,
			Size:      image.Size,
			ETag:      image.ID,
			Updated:   image.Datetime * 1000,
			PublicURL: image.Link,
		})
		CacheURL(imgur.Conf.ID, key, &URLInfo{URL: image.Link, DeleteToken: image.DeleteHash})
	}
	// 账号图片接口按页返回，满页说明可能还有下一页
	if 0 < len(result.Data) {
		ret.Next = &Cursor{Page: page + 1}
	}
	WaitURLCache()
	return
}

func (imgur *Imgur) Upload(ctx context.Context, localPath, key string, ckpt *entity.Checkpoint, progress TransferFunc) (ret *entity.Checkpoint, err error) {
	info, err := os.Stat(localPath)
	if nil != err {
		return
	}

	result := &imgurUploadResult{}
	resp, err := httpclient.NewCloudFileRequest2m().
		SetHeader("Authorization", imgur.authorization()).
		SetFile("image", localPath).
		SetFormData(map[string]string{"name": path.Base(key)}).
		SetSuccessResult(result).
		Post(imgurEndpoint + "/image")
	if nil != err {
		err = fmt.Errorf("upload [%s] failed: %s", localPath, err)
		return
	}
	if 200 != resp.StatusCode || !result.Success {
		err = imgur.parseStatus(resp.StatusCode)
		return
	}

	uploaded := result.Data
	uploadedKey := imgur.entryKey(uploaded)
	if "" == uploaded.Name {
		uploadedKey = path.Base(key)
	}
	CacheURL(imgur.Conf.ID, uploadedKey, &URLInfo{URL: uploaded.Link, DeleteToken: uploaded.DeleteHash})
	if nil != progress {
		progress(info.Size(), info.Size())
	}
	return
}

func (imgur *Imgur) Download(ctx context.Context, key, localPath string, progress TransferFunc) (err error) {
	urlInfo, ok := CachedURL(imgur.Conf.ID, key)
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
		err = imgur.parseStatus(resp.StatusCode)
		return
	}
	return streamToFile(ctx, resp.Body, localPath, resp.ContentLength, progress)
}

func (imgur *Imgur) Remove(ctx context.Context, key string) (err error) {
	deleteHash, err := imgur.deleteToken(key)
	if nil != err {
		if errors.Is(err, ErrCloudObjectNotFound) {
			err = nil
		}
		return
	}

	resp, err := httpclient.NewCloudRequest30s().
		SetHeader("Authorization", imgur.authorization()).
		Delete(imgurEndpoint + "/image/" + deleteHash)
	if nil != err {
		err = fmt.Errorf("remove object [%s] failed: %s", key, err)
		return
	}
	defer resp.Body.Close()
	if 200 != resp.StatusCode && 404 != resp.StatusCode {
		err = imgur.parseStatus(resp.StatusCode)
	}
	return
}

func (imgur *Imgur) RemoveAll(ctx context.Context, keys []string) (err error) {
	for _, key := range keys {
		if err = imgur.Remove(ctx, key); nil != err {
			return
		}
	}
	return
}

func (imgur *Imgur) PresignURL(ctx context.Context, key string, ttl time.Duration) (url string, err error) {
	urlInfo, ok := CachedURL(imgur.Conf.ID, key)
	if !ok {
		err = ErrUnsupported
		return
	}
	url = urlInfo.URL
	return
}

func (imgur *Imgur) GetStat(ctx context.Context) (stat *Stat, err error) {
	stat = &Stat{Bucket: "imgur"}

	var cursor *Cursor
	for {
		result, listErr := imgur.List(ctx, "", cursor, "")
		if nil != listErr {
			err = listErr
			return
		}
		if 1 > len(result.Entries) {
			break
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

	countResult := &imgurCountResult{}
	resp, countErr := httpclient.NewCloudRequest30s().
		SetHeader("Authorization", imgur.authorization()).
		SetSuccessResult(countResult).
		Get(imgurEndpoint + "/account/me/images/count")
	if nil != countErr || 200 != resp.StatusCode || !countResult.Success {
		logging.LogWarnf("get image count failed, fall back to history totals: %v", countErr)
		return
	}
	stat.Count = countResult.Data
	return
}

func (imgur *Imgur) images(page int) (result *imgurImagesResult, err error) {
	result = &imgurImagesResult{}
	resp, err := httpclient.NewCloudRequest30s().
		SetHeader("Authorization", imgur.authorization()).
		SetSuccessResult(result).
		Get(fmt.Sprintf("%s/account/me/images/%d", imgurEndpoint, page))
	if nil != err {
		err = fmt.Errorf("list images failed: %s", err)
		return
	}
	if 200 != resp.StatusCode || !result.Success {
		err = imgur.parseStatus(resp.StatusCode)
	}
	return
}

// deleteToken 返回删除凭证，缓存未命中时重新拉取账号图片列表查找。
func (imgur *Imgur) deleteToken(key string) (deleteHash string, err error) {
	if urlInfo, ok := CachedURL(imgur.Conf.ID, key); ok && "" != urlInfo.DeleteToken {
		deleteHash = urlInfo.DeleteToken
		return
	}

	page := 0
	for {
		result, imagesErr := imgur.images(page)
		if nil != imagesErr {
			err = imagesErr
			return
		}
		if 1 > len(result.Data) {
			break
		}
		for _, image := range result.Data {
			CacheURL(imgur.Conf.ID, imgur.entryKey(image), &URLInfo{URL: image.Link, DeleteToken: image.DeleteHash})
			if imgur.entryKey(image) == key {
				deleteHash = image.DeleteHash
				return
			}
		}
		page++
	}
	err = ErrCloudObjectNotFound
	return
}

func (imgur *Imgur) entryKey(image imgurImage) string {
	if "" != image.Name {
		return image.Name
	}
	return image.ID
}

func (imgur *Imgur) authorization() string {
	if "" != imgur.Conf.Imgur.AccessToken {
		return "Bearer " + imgur.Conf.Imgur.AccessToken
	}
	return "Client-ID " + imgur.Conf.Imgur.ClientID
}

func (imgur *Imgur) parseStatus(statusCode int) error {
	switch statusCode {
	case 404:
		return ErrCloudObjectNotFound
	case 401, 403:
		return ErrCloudAuthFailed
	case 429:
		return ErrCloudTooManyRequests
	case 500, 502, 503, 504:
		return ErrCloudServiceUnavailable
	}
	return fmt.Errorf("cloud service failed [%d]", statusCode)
}
