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
	"crypto/tls"
	"errors"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	as3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/panjf2000/ants/v2"
	"github.com/siyuan-note/cloudbox/entity"
	"github.com/siyuan-note/logging"
)

// S3 描述了 S3 协议兼容的对象存储服务实现。
type S3 struct {
	*BaseCloud

	svc     *as3.Client
	svcOnce sync.Once
}

func NewS3(baseCloud *BaseCloud) *S3 {
	return &S3{BaseCloud: baseCloud}
}

func (s3 *S3) List(ctx context.Context, prefix string, cursor *Cursor, delimiter string) (ret *ListResult, err error) {
	svc := s3.getService()
	ctx, cancelFn := context.WithTimeout(ctx, requestTimeout)
	defer cancelFn()

	input := &as3.ListObjectsV2Input{
		Bucket:  aws.String(s3.Conf.S3.Bucket),
		Prefix:  aws.String(prefix),
		MaxKeys: aws.Int32(ListPageSize),
	}
	if "" != delimiter {
		input.Delimiter = aws.String(delimiter)
	}
	if nil != cursor && "" != cursor.Token {
		input.ContinuationToken = aws.String(cursor.Token)
	}

	output, err := svc.ListObjectsV2(ctx, input)
	if nil != err {
		err = s3.parseErr(err)
		return
	}

	ret = &ListResult{}
	for _, commonPrefix := range output.CommonPrefixes {
		ret.Entries = append(ret.Entries, entity.NewFolderEntry(aws.ToString(commonPrefix.Prefix)))
	}
	for _, content := range output.Contents {
		entry := &entity.ObjectEntry{
			Key:  aws.ToString(content.Key),
			Size: aws.ToInt64(content.Size),
			ETag: strings.Trim(aws.ToString(content.ETag), "\""),
		}
		if nil != content.LastModified {
			entry.Updated = content.LastModified.UnixMilli()
		}
		if "" != s3.Conf.PublicDomain {
			entry.PublicURL = strings.TrimSuffix(s3.Conf.PublicDomain, "/") + "/" + entry.Key
		}
		ret.Entries = append(ret.Entries, entry)
	}
	if aws.ToBool(output.IsTruncated) && nil != output.NextContinuationToken {
		ret.Next = &Cursor{Token: aws.ToString(output.NextContinuationToken)}
	}
	return
}

func (s3 *S3) Upload(ctx context.Context, localPath, key string, ckpt *entity.Checkpoint, progress TransferFunc) (ret *entity.Checkpoint, err error) {
	info, err := os.Stat(localPath)
	if nil != err {
		return
	}

	size := info.Size()
	if size <= ChunkSize && nil == ckpt {
		err = s3.putObject(ctx, localPath, key, size, progress)
		return
	}
	return s3.multipartUpload(ctx, localPath, key, size, ckpt, progress)
}

func (s3 *S3) putObject(ctx context.Context, localPath, key string, size int64, progress TransferFunc) (err error) {
	svc := s3.getService()
	data, err := os.ReadFile(localPath)
	if nil != err {
		return
	}

	_, err = svc.PutObject(ctx, &as3.PutObjectInput{
		Bucket: aws.String(s3.Conf.S3.Bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if nil != err {
		err = s3.parseErr(err)
		return
	}
	if nil != progress {
		progress(size, size)
	}
	return
}

func (s3 *S3) multipartUpload(ctx context.Context, localPath, key string, size int64, ckpt *entity.Checkpoint, progress TransferFunc) (ret *entity.Checkpoint, err error) {
	svc := s3.getService()

	if nil == ckpt || "" == ckpt.UploadID {
		var output *as3.CreateMultipartUploadOutput
		output, err = svc.CreateMultipartUpload(ctx, &as3.CreateMultipartUploadInput{
			Bucket: aws.String(s3.Conf.S3.Bucket),
			Key:    aws.String(key),
		})
		if nil != err {
			err = s3.parseErr(err)
			return
		}
		ckpt = &entity.Checkpoint{UploadID: aws.ToString(output.UploadId), PartSize: ChunkSize, Total: size}
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

		output, partErr := svc.UploadPart(ctx, &as3.UploadPartInput{
			Bucket:     aws.String(s3.Conf.S3.Bucket),
			Key:        aws.String(key),
			UploadId:   aws.String(ckpt.UploadID),
			PartNumber: aws.Int32(span.num),
			Body:       bytes.NewReader(buf),
		})
		if nil != partErr {
			uploadErr = s3.parseErr(partErr)
			return
		}

		lock.Lock()
		ckpt.Parts = append(ckpt.Parts, &entity.ChunkPart{Num: span.num, ETag: strings.Trim(aws.ToString(output.ETag), "\""), Size: span.size})
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
		// 保留断点，后续恢复时跳过已上传分片
		return ckpt, err
	}

	sort.Slice(ckpt.Parts, func(i, j int) bool { return ckpt.Parts[i].Num < ckpt.Parts[j].Num })
	var completed []types.CompletedPart
	for _, part := range ckpt.Parts {
		completed = append(completed, types.CompletedPart{
			ETag:       aws.String(part.ETag),
			PartNumber: aws.Int32(part.Num),
		})
	}
	_, err = svc.CompleteMultipartUpload(ctx, &as3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s3.Conf.S3.Bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(ckpt.UploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if nil != err {
		err = s3.parseErr(err)
		return ckpt, err
	}
	return nil, nil
}

func (s3 *S3) Download(ctx context.Context, key, localPath string, progress TransferFunc) (err error) {
	svc := s3.getService()
	output, err := svc.GetObject(ctx, &as3.GetObjectInput{
		Bucket: aws.String(s3.Conf.S3.Bucket),
		Key:    aws.String(key),
	})
	if nil != err {
		err = s3.parseErr(err)
		return
	}
	defer output.Body.Close()
	return streamToFile(ctx, output.Body, localPath, aws.ToInt64(output.ContentLength), progress)
}

func (s3 *S3) Remove(ctx context.Context, key string) (err error) {
	svc := s3.getService()
	ctx, cancelFn := context.WithTimeout(ctx, requestTimeout)
	defer cancelFn()
	_, err = svc.DeleteObject(ctx, &as3.DeleteObjectInput{
		Bucket: aws.String(s3.Conf.S3.Bucket),
		Key:    aws.String(key),
	})
	if nil != err {
		err = s3.parseErr(err)
		if errors.Is(err, ErrCloudObjectNotFound) {
			// 删除不存在的对象不算失败
			err = nil
		}
	}
	return
}

func (s3 *S3) RemoveAll(ctx context.Context, keys []string) (err error) {
	if 1 > len(keys) {
		return
	}

	svc := s3.getService()
	ctx, cancelFn := context.WithTimeout(ctx, requestTimeout)
	defer cancelFn()

	var identifiers []types.ObjectIdentifier
	for _, key := range keys {
		identifiers = append(identifiers, types.ObjectIdentifier{Key: aws.String(key)})
	}
	_, err = svc.DeleteObjects(ctx, &as3.DeleteObjectsInput{
		Bucket: aws.String(s3.Conf.S3.Bucket),
		Delete: &types.Delete{Objects: identifiers, Quiet: aws.Bool(true)},
	})
	if nil != err {
		err = s3.parseErr(err)
	}
	return
}

func (s3 *S3) CreateMarker(ctx context.Context, key string) (err error) {
	svc := s3.getService()
	ctx, cancelFn := context.WithTimeout(ctx, requestTimeout)
	defer cancelFn()
	_, err = svc.PutObject(ctx, &as3.PutObjectInput{
		Bucket: aws.String(s3.Conf.S3.Bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(nil),
	})
	if nil != err {
		err = s3.parseErr(err)
	}
	return
}

func (s3 *S3) PresignURL(ctx context.Context, key string, ttl time.Duration) (url string, err error) {
	svc := s3.getService()
	presigner := as3.NewPresignClient(svc)
	req, err := presigner.PresignGetObject(ctx, &as3.GetObjectInput{
		Bucket: aws.String(s3.Conf.S3.Bucket),
		Key:    aws.String(key),
	}, func(opts *as3.PresignOptions) {
		opts.Expires = ttl
	})
	if nil != err {
		err = s3.parseErr(err)
		return
	}
	url = req.URL
	return
}

func (s3 *S3) GetStat(ctx context.Context) (stat *Stat, err error) {
	// S3 协议没有聚合统计接口，遍历全量列表求和
	stat = &Stat{Bucket: s3.Conf.S3.Bucket}
	var cursor *Cursor
	for {
		result, listErr := s3.List(ctx, "", cursor, "")
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

func (s3 *S3) getService() *as3.Client {
	s3.svcOnce.Do(func() {
		conf := s3.Conf.S3
		httpClient := &http.Client{Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: conf.SkipTlsVerify},
		}}
		opts := as3.Options{
			Region:       conf.Region,
			BaseEndpoint: aws.String(conf.Endpoint),
			UsePathStyle: conf.PathStyle,
			Credentials:  credentials.NewStaticCredentialsProvider(conf.AccessKey, conf.SecretKey, ""),
			HTTPClient:   httpClient,
		}
		if !strings.Contains(conf.Endpoint, "amazonaws.com") {
			// 非 AWS 端点经常因代理改写头导致签名不匹配
			IgnoreSigningHeaders(&opts, HeadersToIgnore)
		}
		s3.svc = as3.New(opts)
	})
	return s3.svc
}

func (s3 *S3) parseErr(err error) error {
	if nil == err {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return ErrCancelled
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return ErrCloudObjectNotFound
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return ErrCloudAuthFailed
		case "SlowDown", "TooManyRequests", "RequestLimitExceeded":
			return ErrCloudTooManyRequests
		case "ServiceUnavailable", "InternalError":
			return ErrCloudServiceUnavailable
		}
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "does not exist") || strings.Contains(msg, "404") {
		return ErrCloudObjectNotFound
	}
	return err
}

// streamToFile 将 reader 写入本地文件并回调进度，在每次读循环检查取消信号。
// 中途失败会在磁盘上留下部分文件，由调用方决定如何处置。
func streamToFile(ctx context.Context, reader io.Reader, localPath string, total int64, progress TransferFunc) (err error) {
	file, err := os.Create(localPath)
	if nil != err {
		return
	}
	defer file.Close()

	buf := make([]byte, 32*1024)
	var transferred int64
	for {
		if nil != ctx.Err() {
			return ErrCancelled
		}

		n, readErr := reader.Read(buf)
		if 0 < n {
			if _, writeErr := file.Write(buf[:n]); nil != writeErr {
				return writeErr
			}
			transferred += int64(n)
			if nil != progress {
				progress(transferred, total)
			}
		}
		if io.EOF == readErr {
			break
		}
		if nil != readErr {
			return readErr
		}
	}
	return
}
