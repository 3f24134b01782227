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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/siyuan-note/cloudbox/cloud"
	"github.com/siyuan-note/cloudbox/entity"
)

func TestDownloadFile(t *testing.T) {
	m := &mockStorage{}
	mgr := newTestManager(t, m)
	destDir := t.TempDir()

	task, err := mgr.DownloadFile("dir/hello.txt", destDir)
	if nil != err {
		t.Fatalf("download failed: %s", err)
		return
	}
	if filepath.Join(destDir, "hello.txt") != task.LocalPath {
		t.Fatalf("unexpected local path: %s", task.LocalPath)
		return
	}

	task = waitDownloadStatus(t, mgr, task.ID, entity.DownloadStatusCompleted)
	if 100 != task.Progress {
		t.Fatalf("expected progress 100, got %f", task.Progress)
		return
	}
	data, err := os.ReadFile(task.LocalPath)
	if nil != err {
		t.Fatalf("read downloaded file failed: %s", err)
		return
	}
	if "mock" != string(data) {
		t.Fatalf("unexpected file content: %s", data)
		return
	}
}

func TestDownloadDedupsDestination(t *testing.T) {
	m := &mockStorage{}
	mgr := newTestManager(t, m)
	destDir := t.TempDir()

	existing := filepath.Join(destDir, "hello.txt")
	if err := os.WriteFile(existing, []byte("old"), 0644); nil != err {
		t.Fatalf("write existing file failed: %s", err)
		return
	}

	task, err := mgr.DownloadFile("dir/hello.txt", destDir)
	if nil != err {
		t.Fatalf("download failed: %s", err)
		return
	}
	if existing == task.LocalPath {
		t.Fatalf("destination not deduplicated")
		return
	}

	waitDownloadStatus(t, mgr, task.ID, entity.DownloadStatusCompleted)
	data, _ := os.ReadFile(existing)
	if "old" != string(data) {
		t.Fatalf("existing file was overwritten")
		return
	}
}

func TestCancelDownloadKeepsPartialFile(t *testing.T) {
	started := make(chan struct{})
	m := &mockStorage{downloadFn: func(ctx context.Context, key, localPath string, progress cloud.TransferFunc) error {
		if err := os.WriteFile(localPath, []byte("par"), 0644); nil != err {
			return err
		}
		close(started)
		<-ctx.Done()
		return cloud.ErrCancelled
	}}
	mgr := newTestManager(t, m)
	destDir := t.TempDir()

	task, err := mgr.DownloadFile("big.bin", destDir)
	if nil != err {
		t.Fatalf("download failed: %s", err)
		return
	}
	<-started
	if err = mgr.CancelDownload(task.ID); nil != err {
		t.Fatalf("cancel failed: %s", err)
		return
	}

	task = waitDownloadStatus(t, mgr, task.ID, entity.DownloadStatusFailed)
	if "" == task.Error {
		t.Fatalf("expected error message on cancelled task")
		return
	}
	// 部分文件保留在磁盘上
	if _, err = os.Stat(task.LocalPath); nil != err {
		t.Fatalf("partial file missing: %s", err)
		return
	}
}

func TestSpeedometer(t *testing.T) {
	meter := newSpeedometer()
	if _, ok := meter.feed(1024); ok {
		t.Fatalf("window not elapsed, should not produce a reading")
		return
	}

	meter.windowStart = time.Now().Add(-time.Second)
	speed, ok := meter.feed(1024)
	if !ok {
		t.Fatalf("expected a reading after the window elapsed")
		return
	}
	// 窗口内累计 2048 字节，历时约 1 秒
	if 1024 > speed || 4096 < speed {
		t.Fatalf("speed out of range: %d", speed)
		return
	}

	if 0 != meter.windowBytes {
		t.Fatalf("window not reset")
		return
	}
}
