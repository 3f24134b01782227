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
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/siyuan-note/cloudbox/entity"
	"github.com/siyuan-note/filelock"
	"github.com/siyuan-note/logging"
	"github.com/vmihailenco/msgpack/v5"
)

// taskStore 描述了任务快照的持久化存储，重启后任务列表和断点从这里恢复。
type taskStore struct {
	lock sync.Mutex
	path string

	uploads   map[string]*entity.UploadTask   // 目标对象键 → 任务
	downloads map[string]*entity.DownloadTask // 任务 ID → 任务

	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

type taskSnapshot struct {
	Uploads   []*entity.UploadTask   `msgpack:"uploads"`
	Downloads []*entity.DownloadTask `msgpack:"downloads"`
}

func openTaskStore(dir string) (ret *taskStore, err error) {
	if err = os.MkdirAll(dir, 0755); nil != err {
		return
	}

	ret = &taskStore{
		path:      filepath.Join(dir, "tasks"),
		uploads:   map[string]*entity.UploadTask{},
		downloads: map[string]*entity.DownloadTask{},
	}
	ret.encoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
		zstd.WithEncoderCRC(false))
	if nil != err {
		return
	}
	ret.decoder, err = zstd.NewReader(nil)
	if nil != err {
		return
	}

	if err = ret.load(); nil != err {
		logging.LogWarnf("load task snapshot failed, starting empty: %s", err)
		err = nil
	}
	ret.reclassify()
	return
}

func (store *taskStore) load() (err error) {
	if !filelock.IsExist(store.path) {
		return
	}

	data, err := filelock.ReadFile(store.path)
	if nil != err {
		return
	}
	data, err = store.decoder.DecodeAll(data, nil)
	if nil != err {
		return
	}

	snapshot := &taskSnapshot{}
	if err = msgpack.Unmarshal(data, snapshot); nil != err {
		return
	}
	for _, upload := range snapshot.Uploads {
		store.uploads[upload.Key] = upload
	}
	for _, download := range snapshot.Downloads {
		store.downloads[download.ID] = download
	}
	return
}

// reclassify 将上次进程退出时仍在途的任务改写为可恢复的终态。
// 上传改为已暂停以便续传，下载不支持续传，改为失败。
func (store *taskStore) reclassify() {
	now := time.Now().UnixMilli()
	for _, upload := range store.uploads {
		if entity.UploadStatusUploading == upload.Status || entity.UploadStatusPending == upload.Status {
			upload.Status = entity.UploadStatusPaused
			upload.Error = "interrupted by restart"
			upload.Updated = now
		}
	}
	for _, download := range store.downloads {
		if entity.DownloadStatusDownloading == download.Status || entity.DownloadStatusPreparing == download.Status {
			download.Status = entity.DownloadStatusFailed
			download.Error = "interrupted by restart"
			download.Updated = now
		}
	}
}

func (store *taskStore) save() (err error) {
	store.lock.Lock()
	snapshot := &taskSnapshot{}
	for _, upload := range store.uploads {
		snapshot.Uploads = append(snapshot.Uploads, upload)
	}
	for _, download := range store.downloads {
		snapshot.Downloads = append(snapshot.Downloads, download)
	}
	store.lock.Unlock()

	sort.Slice(snapshot.Uploads, func(i, j int) bool { return snapshot.Uploads[i].Updated > snapshot.Uploads[j].Updated })
	sort.Slice(snapshot.Downloads, func(i, j int) bool { return snapshot.Downloads[i].Updated > snapshot.Downloads[j].Updated })

	data, err := msgpack.Marshal(snapshot)
	if nil != err {
		logging.LogErrorf("marshal task snapshot failed: %s", err)
		return
	}
	data = store.encoder.EncodeAll(data, nil)
	if err = filelock.WriteFile(store.path, data); nil != err {
		logging.LogErrorf("save task snapshot failed: %s", err)
	}
	return
}

// putUpload 写入任务的拷贝。传输协程继续改写自己手里的实例，
// 存储中的实例在写入后不再变化，读取方不需要与传输协程同步。
func (store *taskStore) putUpload(task *entity.UploadTask) {
	store.lock.Lock()
	defer store.lock.Unlock()
	store.uploads[task.Key] = task.Clone()
}

func (store *taskStore) uploadByKey(key string) *entity.UploadTask {
	store.lock.Lock()
	defer store.lock.Unlock()
	return store.uploads[key].Clone()
}

func (store *taskStore) putDownload(task *entity.DownloadTask) {
	store.lock.Lock()
	defer store.lock.Unlock()
	store.downloads[task.ID] = task.Clone()
}

// tasks 返回按更新时间倒序的任务快照。
func (store *taskStore) tasks() (uploads []*entity.UploadTask, downloads []*entity.DownloadTask) {
	store.lock.Lock()
	defer store.lock.Unlock()

	for _, upload := range store.uploads {
		uploads = append(uploads, upload.Clone())
	}
	for _, download := range store.downloads {
		downloads = append(downloads, download.Clone())
	}
	sort.Slice(uploads, func(i, j int) bool { return uploads[i].Updated > uploads[j].Updated })
	sort.Slice(downloads, func(i, j int) bool { return downloads[i].Updated > downloads[j].Updated })
	return
}

// removeTask 从快照中移除一条任务记录，上传按键或 ID 匹配，下载按 ID 匹配。
func (store *taskStore) removeTask(id string) {
	store.lock.Lock()
	defer store.lock.Unlock()

	delete(store.downloads, id)
	for key, upload := range store.uploads {
		if upload.ID == id || key == id {
			delete(store.uploads, key)
		}
	}
}
