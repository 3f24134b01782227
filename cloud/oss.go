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
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	aoss "github.com/aliyun/aliyun-oss-go-sdk/oss"
	"github.com/panjf2000/ants/v2"
	"github.com/siyuan-note/cloudbox/entity"
	"github.com/siyuan-note/logging"
)

// OSS 描述了阿里云 OSS 对象存储服务实现。
type OSS struct {
	*BaseCloud
}

func NewOSS(baseCloud *BaseCloud) *OSS {
	return &OSS{BaseCloud: baseCloud}
}

func (oss *OSS) List(ctx context.Context, prefix string, cursor *Cursor, delimiter string) (ret *ListResult, err error) {
	bucket, err := oss.getBucket()
	if nil != err {
		return
	}

	token := ""
	if nil != cursor {
		token = cursor.Token
	}
	result, err := bucket.ListObjectsV2(
		aoss.Prefix(prefix),
		aoss.Delimiter(delimiter),
		aoss.ContinuationToken(token),
		aoss.MaxKeys(ListPageSize))
	if nil != err {
		err = oss.parseErr(err)
		return
	}

	ret = &ListResult{}
	for _, commonPrefix := range result.CommonPrefixes {
		ret.Entries = append(ret.Entries, entity.NewFolderEntry(commonPrefix))
	}
	for _, object := range result.Objects {
		entry := &entity.ObjectEntry{
			Key:     object.Key,
			Size:    object.Size,
			ETag:    strings.Trim(object.ETag, "\""),
			Updated: object.LastModified.UnixMilli(),
		}
		if "" != oss.Conf.PublicDomain {
			entry.PublicURL = strings.TrimSuffix(oss.Conf.PublicDomain, "/") + "/" + entry.Key
		}
		ret.Entries = append(ret.Entries, entry)
	}
	if result.IsTruncated && "" != result.NextContinuationToken {
		ret.Next = &Cursor{Token: result.NextContinuationToken}
	}
	return
}

func (oss *OSS) Upload(ctx context.Context, localPath, key string, ckpt *entity.Checkpoint, progress TransferFunc) (ret *entity.Checkpoint, err error) {
	info, err := os.Stat(localPath)
	if nil != err {
		return
	}

	bucket, err := oss.getBucket()
	if nil != err {
		return
	}

	size := info.Size()
	if size <= ChunkSize && nil == ckpt {
		if err = bucket.PutObjectFromFile(key, localPath); nil != err {
			err = oss.parseErr(err)
			return
		}
		if nil != progress {
			progress(size, size)
		}
		return
	}

	if nil == ckpt || "" == ckpt.UploadID {
		imur, initErr := bucket.InitiateMultipartUpload(key)
		if nil != initErr {
			err = oss.parseErr(initErr)
			return
		}
		ckpt = &entity.Checkpoint{UploadID: imur.UploadID, PartSize: ChunkSize, Total: size}
	}
	imur := aoss.InitiateMultipartUploadResult{Bucket: oss.Conf.OSS.Bucket, Key: key, UploadID: ckpt.UploadID}

	done := map[int32]bool{}
	for _, part := range ckpt.Parts {
		done[part.Num] = true
	}
	var pending []partSpan
	var newTotal int64
	for _, span := range planParts(size, ckpt.PartSize) {
		if done[span.num] {
			continue
		}
		pending = append(pending, span)
		newTotal += span.size
	}

	file, err := os.Open(localPath)
	if nil != err {
		return ckpt, err
	}
	defer file.Close()

	var uploadErr error
	transferred := atomic.Int64{}
	lock := &sync.Mutex{}
	waitGroup := &sync.WaitGroup{}
	poolSize := ChunkConcurrency
	if poolSize > len(pending) {
		poolSize = len(pending)
	}
	if 1 > poolSize {
		poolSize = 1
	}
	p, err := ants.NewPoolWithFunc(poolSize, func(arg interface{}) {
		defer waitGroup.Done()
		if nil != uploadErr || nil != ctx.Err() {
			return // 快速失败
		}

		span := arg.(partSpan)
		buf := make([]byte, span.size)
		if _, readErr := file.ReadAt(buf, span.offset); nil != readErr && io.EOF != readErr {
			uploadErr = readErr
			return
		}

		part, partErr := bucket.UploadPart(imur, bytes.NewReader(buf), span.size, int(span.num))
		if nil != partErr {
			uploadErr = oss.parseErr(partErr)
			return
		}

		lock.Lock()
		ckpt.Parts = append(ckpt.Parts, &entity.ChunkPart{Num: int32(part.PartNumber), ETag: part.ETag, Size: span.size})
		lock.Unlock()
		if nil != progress {
			progress(transferred.Add(span.size), newTotal)
		}
	})
	if nil != err {
		return ckpt, err
	}

	for _, span := range pending {
		waitGroup.Add(1)
		if err = p.Invoke(span); nil != err {
			waitGroup.Done()
			logging.LogErrorf("invoke upload part failed: %s", err)
			break
		}
	}
	waitGroup.Wait()
	p.Release()

	if nil != err || nil != uploadErr || nil != ctx.Err() {
		if nil == err {
			err = uploadErr
		}
		if nil != ctx.Err() {
			err = ErrCancelled
		}
		return ckpt, err
	}

	sort.Slice(ckpt.Parts, func(i, j int) bool { return ckpt.Parts[i].Num < ckpt.Parts[j].Num })
	var parts []aoss.UploadPart
	for _, part := range ckpt.Parts {
		parts = append(parts, aoss.UploadPart{PartNumber: int(part.Num), ETag: part.ETag})
	}
	if _, err = bucket.CompleteMultipartUpload(imur, parts); nil != err {
		err = oss.parseErr(err)
		return ckpt, err
	}
	return nil, nil
}

func (oss *OSS) Download(ctx context.Context, key, localPath string, progress TransferFunc) (err error) {
	bucket, err := oss.getBucket()
	if nil != err {
		return
	}

	meta, err := bucket.GetObjectDetailedMeta(key)
	var total int64
	if nil == err {
		total, _ = strconv.ParseInt(meta.Get("Content-Length"), 10, 64)
	}

	reader, err := bucket.GetObject(key)
	if nil != err {
		err = oss.parseErr(err)
		return
	}
	defer reader.Close()
	return streamToFile(ctx, reader, localPath, total, progress)
}

func (oss *OSS) Remove(ctx context.Context, key string) (err error) {
	bucket, err := oss.getBucket()
	if nil != err {
		return
	}

	if err = bucket.DeleteObject(key); nil != err {
		err = oss.parseErr(err)
		if errors.Is(err, ErrCloudObjectNotFound) {
			err = nil
		}
	}
	return
}

func (oss *OSS) RemoveAll(ctx context.Context, keys []string) (err error) {
	if 1 > len(keys) {
		return
	}

	bucket, err := oss.getBucket()
	if nil != err {
		return
	}

	if _, err = bucket.DeleteObjects(keys, aoss.DeleteObjectsQuiet(true)); nil != err {
		err = oss.parseErr(err)
	}
	return
}

func (oss *OSS) CreateMarker(ctx context.Context, key string) (err error) {
	bucket, err := oss.getBucket()
	if nil != err {
		return
	}

	if err = bucket.PutObject(key, bytes.NewReader(nil)); nil != err {
		err = oss.parseErr(err)
	}
	return
}

func (oss *OSS) PresignURL(ctx context.Context, key string, ttl time.Duration) (url string, err error) {
	bucket, err := oss.getBucket()
	if nil != err {
		return
	}

	url, err = bucket.SignURL(key, aoss.HTTPGet, int64(ttl.Seconds()))
	if nil != err {
		err = oss.parseErr(err)
	}
	return
}

func (oss *OSS) GetStat(ctx context.Context) (stat *Stat, err error) {
	client, err := oss.getClient()
	if nil != err {
		return
	}

	result, err := client.GetBucketStat(oss.Conf.OSS.Bucket)
	if nil != err {
		err = oss.parseErr(err)
		return
	}
	stat = &Stat{
		Count:      result.ObjectCount,
		TotalBytes: result.Storage,
		Bucket:     oss.Conf.OSS.Bucket,
	}
	return
}

func (oss *OSS) getClient() (*aoss.Client, error) {
	conf := oss.Conf.OSS
	return aoss.New(conf.Endpoint, conf.AccessKey, conf.SecretKey)
}

func (oss *OSS) getBucket() (*aoss.Bucket, error) {
	client, err := oss.getClient()
	if nil != err {
		return nil, err
	}
	return client.Bucket(oss.Conf.OSS.Bucket)
}

func (oss *OSS) parseErr(err error) error {
	if nil == err {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return ErrCancelled
	}

	statusCode := 0
	switch e := err.(type) {
	case aoss.ServiceError:
		statusCode = e.StatusCode
	case *aoss.ServiceError:
		statusCode = e.StatusCode
	}
	switch statusCode {
	case 404:
		return ErrCloudObjectNotFound
	case 401, 403:
		return ErrCloudAuthFailed
	case 429:
		return ErrCloudTooManyRequests
	case 503:
		return ErrCloudServiceUnavailable
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "does not exist") || strings.Contains(msg, "404") {
		return ErrCloudObjectNotFound
	}
	return err
}
