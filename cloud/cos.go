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
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/siyuan-note/cloudbox/entity"
	"github.com/siyuan-note/logging"
	"github.com/tencentyun/cos-go-sdk-v5"
)

// COS 描述了腾讯云 COS 对象存储服务实现。
//
// 部分环境下系统代理会破坏 COS 的连接协商，因此该实现的出站请求
// 使用一个明确不读取任何代理配置的 Transport，而不是临时改写进程环境变量。
type COS struct {
	*BaseCloud

	client     *cos.Client
	clientOnce sync.Once
}

func NewCOS(baseCloud *BaseCloud) *COS {
	return &COS{BaseCloud: baseCloud}
}

func (c *COS) List(ctx context.Context, prefix string, cursor *Cursor, delimiter string) (ret *ListResult, err error) {
	client := c.getClient()
	ctx, cancelFn := context.WithTimeout(ctx, requestTimeout)
	defer cancelFn()

	marker := ""
	if nil != cursor {
		marker = cursor.Token
	}
	result, _, err := client.Bucket.Get(ctx, &cos.BucketGetOptions{
		Prefix:    prefix,
		Delimiter: delimiter,
		Marker:    marker,
		MaxKeys:   ListPageSize,
	})
	if nil != err {
		err = c.parseErr(err)
		return
	}

	ret = &ListResult{}
	for _, commonPrefix := range result.CommonPrefixes {
		ret.Entries = append(ret.Entries, entity.NewFolderEntry(commonPrefix))
	}
	for _, object := range result.Contents {
		entry := &entity.ObjectEntry{
			Key:  object.Key,
			Size: object.Size,
			ETag: strings.Trim(object.ETag, "\""),
		}
		if t, parseErr := time.Parse(time.RFC3339, object.LastModified); nil == parseErr {
			entry.Updated = t.UnixMilli()
		}
		if "" != c.Conf.PublicDomain {
			entry.PublicURL = strings.TrimSuffix(c.Conf.PublicDomain, "/") + "/" + entry.Key
		}
		ret.Entries = append(ret.Entries, entry)
	}
	if result.IsTruncated && "" != result.NextMarker {
		ret.Next = &Cursor{Token: result.NextMarker}
	}
	return
}

func (c *COS) Upload(ctx context.Context, localPath, key string, ckpt *entity.Checkpoint, progress TransferFunc) (ret *entity.Checkpoint, err error) {
	info, err := os.Stat(localPath)
	if nil != err {
		return
	}

	client := c.getClient()
	size := info.Size()
	if size <= ChunkSize && nil == ckpt {
		if _, err = client.Object.PutFromFile(ctx, key, localPath, nil); nil != err {
			err = c.parseErr(err)
			return
		}
		if nil != progress {
			progress(size, size)
		}
		return
	}

	if nil == ckpt || "" == ckpt.UploadID {
		result, _, initErr := client.Object.InitiateMultipartUpload(ctx, key, nil)
		if nil != initErr {
			err = c.parseErr(initErr)
			return
		}
		ckpt = &entity.Checkpoint{UploadID: result.UploadID, PartSize: ChunkSize, Total: size}
	}

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

		resp, partErr := client.Object.UploadPart(ctx, key, ckpt.UploadID, int(span.num), bytes.NewReader(buf), nil)
		if nil != partErr {
			uploadErr = c.parseErr(partErr)
			return
		}

		lock.Lock()
		ckpt.Parts = append(ckpt.Parts, &entity.ChunkPart{Num: span.num, ETag: strings.Trim(resp.Header.Get("Etag"), "\""), Size: span.size})
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
	opt := &cos.CompleteMultipartUploadOptions{}
	for _, part := range ckpt.Parts {
		opt.Parts = append(opt.Parts, cos.Object{PartNumber: int(part.Num), ETag: part.ETag})
	}
	if _, _, err = client.Object.CompleteMultipartUpload(ctx, key, ckpt.UploadID, opt); nil != err {
		err = c.parseErr(err)
		return ckpt, err
	}
	return nil, nil
}

func (c *COS) Download(ctx context.Context, key, localPath string, progress TransferFunc) (err error) {
	client := c.getClient()
	resp, err := client.Object.Get(ctx, key, nil)
	if nil != err {
		err = c.parseErr(err)
		return
	}
	defer resp.Body.Close()
	return streamToFile(ctx, resp.Body, localPath, resp.ContentLength, progress)
}

func (c *COS) Remove(ctx context.Context, key string) (err error) {
	client := c.getClient()
	ctx, cancelFn := context.WithTimeout(ctx, requestTimeout)
	defer cancelFn()
	if _, err = client.Object.Delete(ctx, key); nil != err {
		err = c.parseErr(err)
		if errors.Is(err, ErrCloudObjectNotFound) {
			err = nil
		}
	}
	return
}

func (c *COS) RemoveAll(ctx context.Context, keys []string) (err error) {
	if 1 > len(keys) {
		return
	}

	client := c.getClient()
	ctx, cancelFn := context.WithTimeout(ctx, requestTimeout)
	defer cancelFn()

	opt := &cos.ObjectDeleteMultiOptions{Quiet: true}
	for _, key := range keys {
		opt.Objects = append(opt.Objects, cos.Object{Key: key})
	}
	if _, _, err = client.Object.DeleteMulti(ctx, opt); nil != err {
		err = c.parseErr(err)
	}
	return
}

func (c *COS) CreateMarker(ctx context.Context, key string) (err error) {
	client := c.getClient()
	ctx, cancelFn := context.WithTimeout(ctx, requestTimeout)
	defer cancelFn()
	if _, err = client.Object.Put(ctx, key, bytes.NewReader(nil), nil); nil != err {
		err = c.parseErr(err)
	}
	return
}

func (c *COS) PresignURL(ctx context.Context, key string, ttl time.Duration) (ret string, err error) {
	client := c.getClient()
	conf := c.Conf.COS
	presigned, err := client.Object.GetPresignedURL(ctx, http.MethodGet, key, conf.SecretID, conf.SecretKey, ttl, nil)
	if nil != err {
		err = c.parseErr(err)
		return
	}
	ret = presigned.String()
	return
}

func (c *COS) GetStat(ctx context.Context) (stat *Stat, err error) {
	// COS 没有轻量的聚合统计接口，遍历全量列表求和
	stat = &Stat{Bucket: c.Conf.COS.BucketURL}
	var cursor *Cursor
	for {
		result, listErr := c.List(ctx, "", cursor, "")
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

func (c *COS) getClient() *cos.Client {
	c.clientOnce.Do(func() {
		conf := c.Conf.COS
		bucketURL, _ := url.Parse(conf.BucketURL)
		c.client = cos.NewClient(&cos.BaseURL{BucketURL: bucketURL}, &http.Client{
			Transport: &cos.AuthorizationTransport{
				SecretID:  conf.SecretID,
				SecretKey: conf.SecretKey,
				// Proxy 置空，绕开会破坏 COS 连接协商的系统代理
				Transport: &http.Transport{Proxy: nil},
			},
		})
	})
	return c.client
}

func (c *COS) parseErr(err error) error {
	if nil == err {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return ErrCancelled
	}

	var respErr *cos.ErrorResponse
	if errors.As(err, &respErr) && nil != respErr.Response {
		switch respErr.Response.StatusCode {
		case 404:
			return ErrCloudObjectNotFound
		case 401, 403:
			return ErrCloudAuthFailed
		case 429:
			return ErrCloudTooManyRequests
		case 503:
			return ErrCloudServiceUnavailable
		}
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "does not exist") || strings.Contains(msg, "404") {
		return ErrCloudObjectNotFound
	}
	return err
}
