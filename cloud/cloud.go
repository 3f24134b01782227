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
	"time"

	"github.com/siyuan-note/cloudbox/entity"
)

// 存储后端类型。
const (
	TypeS3     = "s3"     // S3 协议兼容的对象存储
	TypeOSS    = "oss"    // 阿里云 OSS
	TypeCOS    = "cos"    // 腾讯云 COS
	TypeKodo   = "kodo"   // 七牛云 Kodo
	TypeWebDAV = "webdav" // WebDAV 协议存储
	TypeSMMS   = "smms"   // SM.MS 图床
	TypeImgur  = "imgur"  // Imgur 图床
	TypeLocal  = "local"  // 本地文件系统
)

// Conf 用于描述一个存储后端配置，即一个已保存的配置档案。
// 配置档案由设置模块创建和修改，对本包只读。
type Conf struct {
	ID   string // 配置档案 ID
	Name string // 配置档案名称
	Type string // 后端类型

	PublicDomain  string // 公开访问域名，用于覆盖后端默认的下载地址
	AvailableSize int64  // 存储可用空间字节数，0 为未知或不限制

	// 各后端所需配置，仅 Type 对应的一项会被使用
	S3     *ConfS3
	OSS    *ConfOSS
	COS    *ConfCOS
	Kodo   *ConfKodo
	WebDAV *ConfWebDAV
	SMMS   *ConfSMMS
	Imgur  *ConfImgur
	Local  *ConfLocal
}

// ConfS3 用于描述 S3 对象存储协议所需配置。
type ConfS3 struct {
	Endpoint      string // 服务端点
	AccessKey     string // Access Key
	SecretKey     string // Secret Key
	Region        string // 存储区域
	Bucket        string // 存储空间
	PathStyle     bool   // 是否使用路径风格寻址
	SkipTlsVerify bool   // 是否跳过 TLS 验证
	Timeout       int    // 单次请求超时时间，单位：秒
}

// ConfOSS 用于描述阿里云 OSS 所需配置。
type ConfOSS struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
}

// ConfCOS 用于描述腾讯云 COS 所需配置。
type ConfCOS struct {
	BucketURL string // 存储桶访问地址，如 https://bucket-appid.cos.ap-shanghai.myqcloud.com
	SecretID  string
	SecretKey string
}

// ConfKodo 用于描述七牛云 Kodo 所需配置。
type ConfKodo struct {
	AccessKey string
	SecretKey string
	Bucket    string
	Domain    string // 绑定的下载域名，含协议
	Private   bool   // 是否为私有空间，私有空间下载需要签名
}

// ConfWebDAV 用于描述 WebDAV 协议所需配置。
type ConfWebDAV struct {
	Endpoint string
	Username string
	Password string
	Timeout  int // 单次请求超时时间，单位：秒
}

// ConfSMMS 用于描述 SM.MS 图床所需配置。
type ConfSMMS struct {
	Server string // 服务端点，默认 https://sm.ms/api/v2
	Token  string // API Token
}

// ConfImgur 用于描述 Imgur 图床所需配置。
type ConfImgur struct {
	ClientID    string // 匿名上传使用的 Client ID
	AccessToken string // 账号访问令牌，列表和统计需要
}

// ConfLocal 用于描述本地文件系统所需配置。
type ConfLocal struct {
	Endpoint string // 根目录的绝对路径
}

// Cursor 描述了跨后端统一的分页游标。
// 各后端的 marker、continuation token 或页码被包装为同一个不透明值。
type Cursor struct {
	Token string `json:"token,omitempty"` // marker 或 continuation token
	Page  int    `json:"page,omitempty"`  // 页码，仅按页分页的图床接口使用
}

// ListResult 描述了一次分页列表调用的结果，Next 为 nil 表示没有更多数据。
type ListResult struct {
	Entries []*entity.ObjectEntry
	Next    *Cursor
}

// Stat 描述了存储空间统计信息。
type Stat struct {
	Count      int64  `json:"count"`      // 对象总数
	TotalBytes int64  `json:"totalBytes"` // 总大小字节数
	QuotaBytes int64  `json:"quotaBytes"` // 空间配额字节数，0 为未知或不限制
	Bucket     string `json:"bucket"`     // 存储空间名称
}

// TransferFunc 在传输过程中回调已传输字节数。
// 对于断点续传，transferred 和 total 仅统计本次调用新传输的部分。
type TransferFunc func(transferred, total int64)

// Storage 描述了统一的存储后端能力，接入新的后端时需要实现该接口。
type Storage interface {

	// GetConf 用于获取配置信息。
	GetConf() *Conf

	// List 用于列出 prefix 下的对象。delimiter 为空表示平铺递归列出（用于搜索），
	// 为 "/" 表示按文件夹语义列出一层，公共前缀以文件夹条目返回。
	List(ctx context.Context, prefix string, cursor *Cursor, delimiter string) (ret *ListResult, err error)

	// Upload 用于上传本地文件到 key。分片后端在取消时返回断点，供后续恢复跳过已上传分片；
	// 上传完整结束时返回 nil 断点。
	Upload(ctx context.Context, localPath, key string, ckpt *entity.Checkpoint, progress TransferFunc) (ret *entity.Checkpoint, err error)

	// Download 用于下载对象到本地文件。
	Download(ctx context.Context, key, localPath string, progress TransferFunc) (err error)

	// Remove 用于删除对象。删除不存在的对象不报错。
	Remove(ctx context.Context, key string) (err error)

	// RemoveAll 用于批量删除对象，一次调用对应后端的一次批量接口，长度不能超过 BatchLimit。
	RemoveAll(ctx context.Context, keys []string) (err error)

	// CreateMarker 用于创建一个零字节对象表示空文件夹。
	CreateMarker(ctx context.Context, key string) (err error)

	// PresignURL 用于生成临时访问链接。不支持签名链接的后端返回 ErrUnsupported。
	PresignURL(ctx context.Context, key string, ttl time.Duration) (url string, err error)

	// GetStat 用于获取空间统计信息，没有原生统计接口的后端通过遍历列表得出。
	GetStat(ctx context.Context) (stat *Stat, err error)

	// BatchLimit 返回批量删除单次调用的最大对象数。
	BatchLimit() int
}

var (
	ErrUnsupported             = errors.New("not supported by this backend")  // ErrUnsupported 描述了后端不具备的能力
	ErrCloudObjectNotFound     = errors.New("cloud object not found")         // ErrCloudObjectNotFound 描述了对象不存在的错误
	ErrCloudAuthFailed         = errors.New("cloud account auth failed")      // ErrCloudAuthFailed 描述了鉴权失败的错误
	ErrCloudServiceUnavailable = errors.New("cloud service unavailable")      // ErrCloudServiceUnavailable 描述了服务不可用的错误
	ErrCloudTooManyRequests    = errors.New("cloud too many requests")        // ErrCloudTooManyRequests 描述了请求过多被限流的错误
	ErrCancelled               = errors.New("transfer cancelled")             // ErrCancelled 描述了传输被主动取消
	ErrURLNotCached            = errors.New("object url not cached, re-list") // ErrURLNotCached 描述了图床下载地址缺失，需要先刷新列表
)

// New 根据配置创建对应的存储后端实现。后端类型是一个封闭集合。
func New(conf *Conf) (ret Storage, err error) {
	if nil == conf {
		err = errors.New("nil conf")
		return
	}

	base := &BaseCloud{Conf: conf}
	switch conf.Type {
	case TypeS3:
		ret = NewS3(base)
	case TypeOSS:
		ret = NewOSS(base)
	case TypeCOS:
		ret = NewCOS(base)
	case TypeKodo:
		ret = NewKodo(base)
	case TypeWebDAV:
		ret = NewWebDAV(base)
	case TypeSMMS:
		ret = NewSMMS(base)
	case TypeImgur:
		ret = NewImgur(base)
	case TypeLocal:
		ret = NewLocal(base)
	default:
		err = fmt.Errorf("unknown storage type [%s]", conf.Type)
	}
	return
}

// BaseCloud 描述了存储后端的基础实现，未覆盖的能力返回 ErrUnsupported。
type BaseCloud struct {
	*Conf
	Storage
}

func (baseCloud *BaseCloud) List(ctx context.Context, prefix string, cursor *Cursor, delimiter string) (ret *ListResult, err error) {
	err = ErrUnsupported
	return
}

func (baseCloud *BaseCloud) Upload(ctx context.Context, localPath, key string, ckpt *entity.Checkpoint, progress TransferFunc) (ret *entity.Checkpoint, err error) {
	err = ErrUnsupported
	return
}

func (baseCloud *BaseCloud) Download(ctx context.Context, key, localPath string, progress TransferFunc) (err error) {
	err = ErrUnsupported
	return
}

func (baseCloud *BaseCloud) Remove(ctx context.Context, key string) (err error) {
	err = ErrUnsupported
	return
}

func (baseCloud *BaseCloud) RemoveAll(ctx context.Context, keys []string) (err error) {
	err = ErrUnsupported
	return
}

func (baseCloud *BaseCloud) CreateMarker(ctx context.Context, key string) (err error) {
	err = ErrUnsupported
	return
}

func (baseCloud *BaseCloud) PresignURL(ctx context.Context, key string, ttl time.Duration) (url string, err error) {
	err = ErrUnsupported
	return
}

func (baseCloud *BaseCloud) GetStat(ctx context.Context) (stat *Stat, err error) {
	err = ErrUnsupported
	return
}

func (baseCloud *BaseCloud) GetConf() *Conf {
	return baseCloud.Conf
}

func (baseCloud *BaseCloud) BatchLimit() int {
	return 1000
}

const (
	// ChunkSize 为分片上传的分片大小。
	ChunkSize = 5 * 1024 * 1024
	// ChunkConcurrency 为单个上传任务内并行上传分片的数量。
	ChunkConcurrency = 4
	// ListPageSize 为分页列表单页条目数。
	ListPageSize = 1000

	requestTimeout = 30 * time.Second
)

// partSpan 描述了分片上传中一个分片的文件区间。
type partSpan struct {
	num    int32
	offset int64
	size   int64
}

// planParts 按分片大小切分文件，返回各分片的区间。
func planParts(totalSize, partSize int64) (ret []partSpan) {
	if 1 > partSize {
		partSize = ChunkSize
	}
	var num int32 = 1
	for offset := int64(0); offset < totalSize; offset += partSize {
		size := partSize
		if offset+size > totalSize {
			size = totalSize - offset
		}
		ret = append(ret, partSpan{num: num, offset: offset, size: size})
		num++
	}
	if 1 > len(ret) { // 空文件仍然占用一个分片
		ret = append(ret, partSpan{num: 1})
	}
	return
}
