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

package cloudbox

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/siyuan-note/cloudbox/cloud"
	"github.com/siyuan-note/cloudbox/entity"
	"github.com/siyuan-note/eventbus"
	"github.com/siyuan-note/logging"
)

// UploadFile 上传本地文件到 key，传输在后台进行，进度通过事件总线推送。
// 同一个目标键上已有在途传输时返回 ErrTransferExists。
func (mgr *Manager) UploadFile(localPath, key string) (ret *entity.UploadTask, err error) {
	if _, err = os.Stat(localPath); nil != err {
		return
	}

	task := &entity.UploadTask{
		ID:        uuid.NewString(),
		LocalPath: localPath,
		Key:       key,
		Status:    entity.UploadStatusPending,
		Updated:   time.Now().UnixMilli(),
	}
	return mgr.startUpload(task)
}

// PauseUpload 暂停 key 上的在途上传。取消是协作式的，
// 传输在下一个 I/O 边界停住，断点记录在任务快照中。
func (mgr *Manager) PauseUpload(key string) (err error) {
	if !mgr.registry.cancel(key) {
		err = ErrTransferNotFound
	}
	return
}

// ResumeUpload 恢复 key 上已暂停的上传。分片后端从断点位置继续，
// 已确认的分片不会重传；不支持断点的后端从零开始。
func (mgr *Manager) ResumeUpload(key string) (ret *entity.UploadTask, err error) {
	task := mgr.taskStore.uploadByKey(key)
	if nil == task || entity.UploadStatusPaused != task.Status {
		err = ErrTaskNotFound
		return
	}
	if _, err = os.Stat(task.LocalPath); nil != err {
		return
	}

	task.Error = ""
	return mgr.startUpload(task)
}

func (mgr *Manager) startUpload(task *entity.UploadTask) (ret *entity.UploadTask, err error) {
	ctx, cancel := context.WithCancel(context.Background())
	if !mgr.registry.insert(task.Key, cancel) {
		cancel()
		err = ErrTransferExists
		return
	}

	base := task.Checkpoint.DonePercent()
	task.Status = entity.UploadStatusUploading
	task.Progress = base
	task.Updated = time.Now().UnixMilli()
	mgr.taskStore.putUpload(task)

	// 开始任何网络调用前先同步推送一次基准进度，恢复时界面立即跳到断点百分比。
	// 事件和返回值都是拷贝，传输协程启动后独占原实例
	eventbus.Publish(EvtUploadProgress, task.Clone())
	ret = task.Clone()

	go mgr.runUpload(ctx, task, base)
	return
}

func (mgr *Manager) runUpload(ctx context.Context, task *entity.UploadTask, base float64) {
	defer mgr.registry.remove(task.Key)

	// 分片并行上传时进度回调来自多个工作协程
	var progressLock sync.Mutex
	progress := func(transferred, total int64) {
		if 1 > total {
			return
		}
		percent := base + float64(transferred)/float64(total)*(100-base)

		progressLock.Lock()
		if percent <= task.Progress || 100 < percent { // 进度单调不减
			progressLock.Unlock()
			return
		}
		task.Progress = percent
		task.Updated = time.Now().UnixMilli()
		snapshot := task.Clone()
		progressLock.Unlock()
		eventbus.Publish(EvtUploadProgress, snapshot)
	}

	ckpt, uploadErr := mgr.storage.Upload(ctx, task.LocalPath, task.Key, task.Checkpoint, progress)
	task.Updated = time.Now().UnixMilli()
	switch {
	case nil == uploadErr:
		task.Status = entity.UploadStatusCompleted
		task.Progress = 100
		task.Checkpoint = nil
		eventbus.Publish(EvtUploadCompleted, task.Clone())
		pushActivity(mgr.Conf().ID, "upload", task.Key, "completed")
	case errors.Is(uploadErr, cloud.ErrCancelled) || errors.Is(uploadErr, context.Canceled):
		task.Status = entity.UploadStatusPaused
		if nil != ckpt {
			task.Checkpoint = ckpt
		}
		eventbus.Publish(EvtUploadPaused, task.Clone())
		pushActivity(mgr.Conf().ID, "upload", task.Key,
			"paused at "+humanize.Bytes(uint64(task.Checkpoint.DoneBytes())))
	default:
		logging.LogErrorf("upload [%s] failed: %s", task.Key, uploadErr)
		task.Status = entity.UploadStatusError
		task.Error = uploadErr.Error()
		eventbus.Publish(EvtUploadError, task.Clone())
		pushActivity(mgr.Conf().ID, "upload", task.Key, "failed: "+task.Error)
	}

	mgr.taskStore.putUpload(task)
	mgr.taskStore.save()
}
