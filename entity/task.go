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

package entity

// 上传任务状态。
const (
	UploadStatusPending   = "pending"
	UploadStatusUploading = "uploading"
	UploadStatusPaused    = "paused"
	UploadStatusCompleted = "completed"
	UploadStatusError     = "error"
)

// 下载任务状态。
const (
	DownloadStatusPreparing   = "preparing"
	DownloadStatusDownloading = "downloading"
	DownloadStatusCompleted   = "completed"
	DownloadStatusFailed      = "failed"
)

// UploadTask 描述了一个上传任务。
type UploadTask struct {
	ID         string      `json:"id" msgpack:"id"`
	LocalPath  string      `json:"localPath" msgpack:"localPath"`   // 本地源文件的绝对路径
	Key        string      `json:"key" msgpack:"key"`               // 目标对象键
	Status     string      `json:"status" msgpack:"status"`         // 任务状态
	Progress   float64     `json:"progress" msgpack:"progress"`     // 总进度百分比
	Checkpoint *Checkpoint `json:"checkpoint" msgpack:"checkpoint"` // 断点续传状态，暂停后唯一需要跨进程保留的数据
	Error      string      `json:"error,omitempty" msgpack:"error"`
	Updated    int64       `json:"updated" msgpack:"updated"` // 最后更新时间戳，单位：毫秒
}

// DownloadTask 描述了一个下载任务。
type DownloadTask struct {
	ID        string  `json:"id" msgpack:"id"`
	Key       string  `json:"key" msgpack:"key"`             // 云端对象键
	LocalPath string  `json:"localPath" msgpack:"localPath"` // 本地目标文件的绝对路径，创建前已去重
	Status    string  `json:"status" msgpack:"status"`
	Progress  float64 `json:"progress" msgpack:"progress"`
	Speed     int64   `json:"speed" msgpack:"speed"` // 瞬时速度，单位：字节/秒
	Error     string  `json:"error,omitempty" msgpack:"error"`
	Updated   int64   `json:"updated" msgpack:"updated"`
}

// Clone 返回任务的深拷贝。传输协程独占自己的实例，
// 跨出协程边界（存储、事件、返回值）的一律是拷贝。
func (task *UploadTask) Clone() (ret *UploadTask) {
	if nil == task {
		return
	}
	clone := *task
	clone.Checkpoint = task.Checkpoint.Clone()
	return &clone
}

// Clone 返回任务的拷贝。
func (task *DownloadTask) Clone() (ret *DownloadTask) {
	if nil == task {
		return
	}
	clone := *task
	return &clone
}

// Checkpoint 描述了分片上传的断点续传状态。
// 非分片后端不产生该状态，暂停后恢复将从零开始重传。
type Checkpoint struct {
	UploadID string       `json:"uploadID" msgpack:"uploadID"` // 云端分片上传会话 ID
	PartSize int64        `json:"partSize" msgpack:"partSize"` // 分片大小字节数
	Total    int64        `json:"total" msgpack:"total"`       // 文件总大小字节数
	Parts    []*ChunkPart `json:"parts" msgpack:"parts"`       // 已确认上传的分片
}

// ChunkPart 描述了一个已上传完成的分片。
type ChunkPart struct {
	Num  int32  `json:"num" msgpack:"num"` // 分片序号，从 1 开始
	ETag string `json:"etag" msgpack:"etag"`
	Size int64  `json:"size" msgpack:"size"`
}

// Clone 返回断点的深拷贝，Parts 切片不与原值共享。
func (ckpt *Checkpoint) Clone() (ret *Checkpoint) {
	if nil == ckpt {
		return
	}
	clone := *ckpt
	clone.Parts = make([]*ChunkPart, 0, len(ckpt.Parts))
	for _, part := range ckpt.Parts {
		clonedPart := *part
		clone.Parts = append(clone.Parts, &clonedPart)
	}
	return &clone
}

// DoneBytes 返回断点中已确认上传的字节数。
func (ckpt *Checkpoint) DoneBytes() (ret int64) {
	if nil == ckpt {
		return 0
	}
	for _, part := range ckpt.Parts {
		ret += part.Size
	}
	return
}

// DonePercent 返回断点对应的总进度百分比。
func (ckpt *Checkpoint) DonePercent() float64 {
	if nil == ckpt || 1 > ckpt.Total {
		return 0
	}
	return float64(ckpt.DoneBytes()) / float64(ckpt.Total) * 100
}
