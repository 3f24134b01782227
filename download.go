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
	"path"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/siyuan-note/cloudbox/cloud"
	"github.com/siyuan-note/cloudbox/entity"
	"github.com/siyuan-note/cloudbox/util"
	"github.com/siyuan-note/eventbus"
	"github.com/siyuan-note/logging"
)

// minDownloadFreeSpace 为开始下载前要求的最小剩余磁盘空间。
const minDownloadFreeSpace = 100 * 1024 * 1024

// speedWindow 为下载速度的滚动统计窗口。
const speedWindow = 500 * time.Millisecond

// DownloadFile 下载对象 key 到 destDir 目录，传输在后台进行。
// 目标路径冲突时自动加时间戳后缀去重；失败时已写入的部分文件保留在磁盘上。
func (mgr *Manager) DownloadFile(key, destDir string) (ret *entity.DownloadTask, err error) {
	if free := util.GetFreeDiskSpace(destDir); 0 < free && minDownloadFreeSpace > free {
		err = errors.New("insufficient disk space: " + humanize.Bytes(uint64(free)) + " free")
		return
	}

	localPath := util.DedupPath(filepath.Join(destDir, path.Base(key)))
	task := &entity.DownloadTask{
		ID:        uuid.NewString(),
		Key:       key,
		LocalPath: localPath,
		Status:    entity.DownloadStatusPreparing,
		Updated:   time.Now().UnixMilli(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	if !mgr.registry.insert(task.ID, cancel) {
		cancel()
		err = ErrTransferExists
		return
	}

	mgr.taskStore.putDownload(task)
	// 事件和返回值都是拷贝，传输协程启动后独占原实例
	eventbus.Publish(EvtDownloadStart, task.Clone())
	ret = task.Clone()
	go mgr.runDownload(ctx, task)
	return
}

// CancelDownload 取消一个在途下载。下载不支持断点续传，
// 取消后的任务记为失败，已写入的部分文件保留。
func (mgr *Manager) CancelDownload(id string) (err error) {
	if !mgr.registry.cancel(id) {
		err = ErrTransferNotFound
	}
	return
}

func (mgr *Manager) runDownload(ctx context.Context, task *entity.DownloadTask) {
	defer mgr.registry.remove(task.ID)

	task.Status = entity.DownloadStatusDownloading
	speedometer := newSpeedometer()
	var lastTransferred int64
	progress := func(transferred, total int64) {
		if speed, ok := speedometer.feed(transferred - lastTransferred); ok {
			task.Speed = speed
		}
		lastTransferred = transferred
		if 0 < total {
			task.Progress = float64(transferred) / float64(total) * 100
		}
		task.Updated = time.Now().UnixMilli()
		eventbus.Publish(EvtDownloadProgress, task.Clone())
	}

	downloadErr := mgr.storage.Download(ctx, task.Key, task.LocalPath, progress)
	task.Updated = time.Now().UnixMilli()
	task.Speed = 0
	if nil == downloadErr {
		task.Status = entity.DownloadStatusCompleted
		task.Progress = 100
		eventbus.Publish(EvtDownloadCompleted, task.Clone())
		pushActivity(mgr.Conf().ID, "download", task.Key, "saved to "+task.LocalPath)
	} else {
		if errors.Is(downloadErr, cloud.ErrCancelled) || errors.Is(downloadErr, context.Canceled) {
			downloadErr = cloud.ErrCancelled
		} else {
			logging.LogErrorf("download [%s] failed: %s", task.Key, downloadErr)
		}
		task.Status = entity.DownloadStatusFailed
		task.Error = downloadErr.Error()
		eventbus.Publish(EvtDownloadError, task.Clone())
		pushActivity(mgr.Conf().ID, "download", task.Key, "failed: "+task.Error)
	}

	mgr.taskStore.putDownload(task)
	mgr.taskStore.save()
}

// speedometer 描述了滚动窗口的吞吐统计，窗口不满时不产生读数。
type speedometer struct {
	windowStart time.Time
	windowBytes int64
}

func newSpeedometer() *speedometer {
	return &speedometer{windowStart: time.Now()}
}

// feed 累计本次新传输的字节数。窗口期满时返回每秒字节数并滚动窗口。
func (meter *speedometer) feed(delta int64) (speed int64, ok bool) {
	if 0 < delta {
		meter.windowBytes += delta
	}
	elapsed := time.Since(meter.windowStart)
	if speedWindow > elapsed {
		return
	}
	speed = int64(float64(meter.windowBytes) / elapsed.Seconds())
	ok = true
	meter.windowStart = time.Now()
	meter.windowBytes = 0
	return
}
