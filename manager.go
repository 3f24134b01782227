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
	"sort"
	"strings"
	"time"

	"github.com/siyuan-note/cloudbox/cloud"
	"github.com/siyuan-note/cloudbox/entity"
)

var (
	ErrNotConfigured    = errors.New("no storage backend configured")    // ErrNotConfigured 描述了后端未配置的错误
	ErrTransferExists   = errors.New("transfer already exists")          // ErrTransferExists 描述了目标键上已有在途传输
	ErrTransferNotFound = errors.New("transfer not found")               // ErrTransferNotFound 描述了在途传输不存在
	ErrTaskNotFound     = errors.New("task not found or not resumable")  // ErrTaskNotFound 描述了任务记录不存在或不可恢复
)

// Manager 描述了绑定单个存储后端的文件管理器，是本库的对外入口。
// 切换配置档案时重新创建管理器，避免在途传输跨档案串线。
type Manager struct {
	storage   cloud.Storage
	registry  *registry
	taskStore *taskStore
}

// NewManager 创建文件管理器。stateDir 用于存放任务快照，
// 上次进程退出时在途的上传会被恢复为已暂停。
func NewManager(conf *cloud.Conf, stateDir string) (ret *Manager, err error) {
	if nil == conf {
		err = ErrNotConfigured
		return
	}

	storage, err := cloud.New(conf)
	if nil != err {
		return
	}
	taskStore, err := openTaskStore(stateDir)
	if nil != err {
		return
	}

	ret = &Manager{
		storage:   storage,
		registry:  newRegistry(),
		taskStore: taskStore,
	}
	return
}

// Conf 返回绑定的后端配置。
func (mgr *Manager) Conf() *cloud.Conf {
	return mgr.storage.GetConf()
}

// ListObjects 按文件夹语义列出 prefix 下的一层对象。
// 文件夹占位对象自身不出现在结果中，文件夹和文件合并后按键排序。
func (mgr *Manager) ListObjects(ctx context.Context, prefix string, cursor *cloud.Cursor) (ret *cloud.ListResult, err error) {
	result, err := mgr.storage.List(ctx, prefix, cursor, "/")
	if nil != err {
		return
	}

	ret = &cloud.ListResult{Next: result.Next}
	for _, listEntry := range result.Entries {
		if listEntry.Key == prefix { // 过滤文件夹占位对象自身
			continue
		}
		ret.Entries = append(ret.Entries, listEntry)
	}
	sort.Slice(ret.Entries, func(i, j int) bool { return ret.Entries[i].Key < ret.Entries[j].Key })
	return
}

// CreateFolder 创建一个空文件夹，即一个零字节的占位对象。
func (mgr *Manager) CreateFolder(ctx context.Context, prefix string) (err error) {
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	if err = mgr.storage.CreateMarker(ctx, prefix); nil != err {
		return
	}
	pushActivity(mgr.Conf().ID, "create-folder", prefix, "")
	return
}

// DeleteObject 删除单个对象，对象不存在视为已删除。
func (mgr *Manager) DeleteObject(ctx context.Context, key string) (err error) {
	if err = mgr.storage.Remove(ctx, key); nil != err {
		return
	}
	pushActivity(mgr.Conf().ID, "delete", key, "")
	return
}

// PresignURL 生成对象的临时访问链接。后端不支持签名链接时返回空串而非错误，
// 宿主界面以此决定是否展示复制链接入口。
func (mgr *Manager) PresignURL(ctx context.Context, key string, ttl time.Duration) (url string, err error) {
	url, err = mgr.storage.PresignURL(ctx, key, ttl)
	if errors.Is(err, cloud.ErrUnsupported) {
		url, err = "", nil
	}
	return
}

// GetStat 返回存储空间统计信息。
func (mgr *Manager) GetStat(ctx context.Context) (stat *cloud.Stat, err error) {
	stat, err = mgr.storage.GetStat(ctx)
	if nil != err {
		return
	}
	// 服务端没有报出配额时退回配置档案里的可用空间
	if 1 > stat.QuotaBytes {
		stat.QuotaBytes = mgr.Conf().AvailableSize
	}
	return
}

// Tasks 返回按更新时间倒序的任务快照，包含在途和历史任务。
func (mgr *Manager) Tasks() (uploads []*entity.UploadTask, downloads []*entity.DownloadTask) {
	return mgr.taskStore.tasks()
}

// RemoveTask 从任务快照中移除一条记录。在途任务应先取消再移除。
func (mgr *Manager) RemoveTask(id string) (err error) {
	mgr.taskStore.removeTask(id)
	return mgr.taskStore.save()
}
