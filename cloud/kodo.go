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
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/qiniu/go-sdk/v7/auth"
	"github.com/qiniu/go-sdk/v7/storage"
	"github.com/siyuan-note/cloudbox/entity"
	"github.com/siyuan-note/httpclient"
	"github.com/siyuan-note/logging"
)

// Kodo 描述了七牛云 Kodo 对象存储服务实现。
// Kodo 使用表单直传，不支持断点续传，暂停后恢复将从零开始。
type Kodo struct {
	*BaseCloud
}

func NewKodo(baseCloud *BaseCloud) *Kodo {
	return &Kodo{BaseCloud: baseCloud}
}

func (kodo *Kodo) List(ctx context.Context, prefix string, cursor *Cursor, delimiter string) (ret *ListResult, err error) {
	bucketManager := kodo.getBucketManager()

	marker := ""
	if nil != cursor {
		marker = cursor.Token
	}
	entries, commonPrefixes, nextMarker, hasNext, err := bucketManager.ListFiles(
		kodo.Conf.Kodo.Bucket, prefix, delimiter, marker, ListPageSize)
	if nil != err {
		err = kodo.parseErr(err)
		return
	}

	ret = &ListResult{}
	for _, commonPrefix := range commonPrefixes {
		ret.Entries = append(ret.Entries, entity.NewFolderEntry(commonPrefix))
	}
	for _, item := range entries {
		ret.Entries = append(ret.Entries, &entity.ObjectEntry{
			Key:       item.Key,
			Size:      item.Fsize,
			ETag:      item.Hash,
			Updated:   storage.ParsePutTime(item.PutTime).UnixMilli(),
			PublicURL: kodo.publicURL(item.Key),
		})
	}
	if hasNext {
		ret.Next = &Cursor{Token: nextMarker}
	}
	return
}

func (kodo *Kodo) Upload(ctx context.Context, localPath, key string, ckpt *entity.Checkpoint, progress TransferFunc) (ret *entity.Checkpoint, err error) {
	info, err := os.Stat(localPath)
	if nil != err {
		return
	}

	formUploader := storage.NewFormUploader(nil)
	putRet := storage.PutRet{}
	err = formUploader.PutFile(ctx, &putRet, kodo.uploadToken(key), key, localPath, nil)
	if nil != err {
		err = kodo.parseErr(err)
		return
	}
	if nil != progress {
		progress(info.Size(), info.Size())
	}
	return
}

func (kodo *Kodo) Download(ctx context.Context, key, localPath string, progress TransferFunc) (err error) {
	url := kodo.publicURL(key)
	if kodo.Conf.Kodo.Private {
		deadline := time.Now().Add(time.Hour).Unix()
		url = storage.MakePrivateURL(kodo.getMac(), kodo.Conf.Kodo.Domain, key, deadline)
	}

	resp, err := httpclient.NewCloudFileRequest2m().Get(url)
	if nil != err {
		err = fmt.Errorf("download object [%s] failed: %s", key, err)
		return
	}
	defer resp.Body.Close()
	if 200 != resp.StatusCode {
		if 404 == resp.StatusCode {
			err = ErrCloudObjectNotFound
			return
		}
		err = fmt.Errorf("download object [%s] failed [%d]", key, resp.StatusCode)
		return
	}
	return streamToFile(ctx, resp.Body, localPath, resp.ContentLength, progress)
}

func (kodo *Kodo) Remove(ctx context.Context, key string) (err error) {
	bucketManager := kodo.getBucketManager()
	if err = bucketManager.Delete(kodo.Conf.Kodo.Bucket, key); nil != err {
		err = kodo.parseErr(err)
		if errors.Is(err, ErrCloudObjectNotFound) {
			err = nil
		}
	}
	return
}

func (kodo *Kodo) RemoveAll(ctx context.Context, keys []string) (err error) {
	if 1 > len(keys) {
		return
	}

	bucketManager := kodo.getBucketManager()
	var ops []string
	for _, key := range keys {
		ops = append(ops, storage.URIDelete(kodo.Conf.Kodo.Bucket, key))
	}
	batchOpRets, err := bucketManager.Batch(ops)
	if nil != err {
		err = kodo.parseErr(err)
		return
	}
	for i, batchOpRet := range batchOpRets {
		if 200 == batchOpRet.Code || 404 == batchOpRet.Code || 612 == batchOpRet.Code {
			continue
		}
		logging.LogErrorf("batch remove [%s] failed: %s", keys[i], batchOpRet.Data.Error)
		err = errors.New(batchOpRet.Data.Error)
		return
	}
	return
}

func (kodo *Kodo) CreateMarker(ctx context.Context, key string) (err error) {
	formUploader := storage.NewFormUploader(nil)
	putRet := storage.PutRet{}
	err = formUploader.Put(ctx, &putRet, kodo.uploadToken(key), key, bytes.NewReader(nil), 0, nil)
	if nil != err {
		err = kodo.parseErr(err)
	}
	return
}

func (kodo *Kodo) PresignURL(ctx context.Context, key string, ttl time.Duration) (url string, err error) {
	deadline := time.Now().Add(ttl).Unix()
	url = storage.MakePrivateURL(kodo.getMac(), kodo.Conf.Kodo.Domain, key, deadline)
	return
}

func (kodo *Kodo) GetStat(ctx context.Context) (stat *Stat, err error) {
	// Kodo 没有单空间的聚合统计接口，遍历全量列表求和
	stat = &Stat{Bucket: kodo.Conf.Kodo.Bucket}
	var cursor *Cursor
	for {
		result, listErr := kodo.List(ctx, "", cursor, "")
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
	return
}

func (kodo *Kodo) uploadToken(key string) string {
	putPolicy := storage.PutPolicy{
		Scope:   kodo.Conf.Kodo.Bucket + ":" + key,
		Expires: uint64(time.Now().Add(24 * time.Hour).Unix()),
	}
	return putPolicy.UploadToken(kodo.getMac())
}

func (kodo *Kodo) publicURL(key string) string {
	domain := kodo.Conf.Kodo.Domain
	if "" != kodo.Conf.PublicDomain {
		domain = kodo.Conf.PublicDomain
	}
	return storage.MakePublicURL(domain, key)
}

func (kodo *Kodo) getMac() *auth.Credentials {
	return auth.New(kodo.Conf.Kodo.AccessKey, kodo.Conf.Kodo.SecretKey)
}

func (kodo *Kodo) getBucketManager() *storage.BucketManager {
	return storage.NewBucketManager(kodo.getMac(), nil)
}

func (kodo *Kodo) parseErr(err error) error {
	if nil == err {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return ErrCancelled
	}

	var errInfo *storage.ErrorInfo
	if errors.As(err, &errInfo) {
		switch errInfo.Code {
		case 404, 612:
			return ErrCloudObjectNotFound
		case 401, 403:
			return ErrCloudAuthFailed
		case 429, 573:
			return ErrCloudTooManyRequests
		case 503, 571, 599:
			return ErrCloudServiceUnavailable
		}
	}
	if strings.Contains(strings.ToLower(err.Error()), "no such file or directory") {
		return ErrCloudObjectNotFound
	}
	return err
}
