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
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/siyuan-note/cloudbox/cloud"
	"github.com/siyuan-note/cloudbox/entity"
)

// mockStorage 是测试用的脚本化存储后端，List 按游标顺序返回预置页。
type mockStorage struct {
	lock sync.Mutex

	pages     []*cloud.ListResult
	listCalls int

	batches   [][]string
	failBatch int // 第几批删除失败，0 表示不失败

	uploadFn   func(ctx context.Context, localPath, key string, ckpt *entity.Checkpoint, progress cloud.TransferFunc) (*entity.Checkpoint, error)
	downloadFn func(ctx context.Context, key, localPath string, progress cloud.TransferFunc) error

	removed    []string
	presignErr error

	availableSize int64 // 配置档案里的可用空间
	statQuota     int64 // 后端统计接口报出的配额
}

func (m *mockStorage) GetConf() *cloud.Conf {
	return &cloud.Conf{ID: "test-profile", Name: "test", Type: "mock", AvailableSize: m.availableSize}
}

func (m *mockStorage) List(ctx context.Context, prefix string, cursor *cloud.Cursor, delimiter string) (*cloud.ListResult, error) {
	m.lock.Lock()
	m.listCalls++
	m.lock.Unlock()

	idx := 0
	if nil != cursor {
		idx, _ = strconv.Atoi(cursor.Token)
	}
	if idx >= len(m.pages) {
		return &cloud.ListResult{}, nil
	}

	page := &cloud.ListResult{Entries: m.pages[idx].Entries}
	if idx < len(m.pages)-1 {
		page.Next = &cloud.Cursor{Token: strconv.Itoa(idx + 1)}
	}
	return page, nil
}

func (m *mockStorage) Upload(ctx context.Context, localPath, key string, ckpt *entity.Checkpoint, progress cloud.TransferFunc) (*entity.Checkpoint, error) {
	if nil != m.uploadFn {
		return m.uploadFn(ctx, localPath, key, ckpt, progress)
	}
	if nil != progress {
		progress(1, 1)
	}
	return nil, nil
}

func (m *mockStorage) Download(ctx context.Context, key, localPath string, progress cloud.TransferFunc) error {
	if nil != m.downloadFn {
		return m.downloadFn(ctx, key, localPath, progress)
	}
	if err := os.WriteFile(localPath, []byte("mock"), 0644); nil != err {
		return err
	}
	if nil != progress {
		progress(4, 4)
	}
	return nil
}

func (m *mockStorage) Remove(ctx context.Context, key string) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.removed = append(m.removed, key)
	return nil
}

func (m *mockStorage) RemoveAll(ctx context.Context, keys []string) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	batch := make([]string, len(keys))
	copy(batch, keys)
	m.batches = append(m.batches, batch)
	if 0 < m.failBatch && m.failBatch == len(m.batches) {
		return errors.New("mock batch failed")
	}
	return nil
}

func (m *mockStorage) CreateMarker(ctx context.Context, key string) error {
	return nil
}

func (m *mockStorage) PresignURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if nil != m.presignErr {
		return "", m.presignErr
	}
	return "https://mock.example.com/" + key, nil
}

func (m *mockStorage) GetStat(ctx context.Context) (*cloud.Stat, error) {
	return &cloud.Stat{Bucket: "mock", QuotaBytes: m.statQuota}, nil
}

func (m *mockStorage) BatchLimit() int {
	return 1000
}

func newTestManager(t *testing.T, storage cloud.Storage) *Manager {
	taskStore, err := openTaskStore(t.TempDir())
	if nil != err {
		t.Fatalf("open task store failed: %s", err)
	}
	return &Manager{storage: storage, registry: newRegistry(), taskStore: taskStore}
}

func writeTestFile(t *testing.T, content string) string {
	f, err := os.CreateTemp(t.TempDir(), "cloudbox-*")
	if nil != err {
		t.Fatalf("create temp file failed: %s", err)
	}
	if _, err = f.WriteString(content); nil != err {
		t.Fatalf("write temp file failed: %s", err)
	}
	f.Close()
	return f.Name()
}

// waitUploadStatus 轮询等待 key 上的上传任务进入指定状态。
func waitUploadStatus(t *testing.T, mgr *Manager, key, status string) *entity.UploadTask {
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		task := mgr.taskStore.uploadByKey(key)
		if nil != task && status == task.Status {
			return task
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("upload [%s] did not reach status [%s]", key, status)
	return nil
}

func waitDownloadStatus(t *testing.T, mgr *Manager, id, status string) *entity.DownloadTask {
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		mgr.taskStore.lock.Lock()
		task := mgr.taskStore.downloads[id]
		mgr.taskStore.lock.Unlock()
		if nil != task && status == task.Status {
			return task
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("download [%s] did not reach status [%s]", id, status)
	return nil
}
