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
	"sync"
	"testing"
	"time"

	"github.com/siyuan-note/cloudbox/cloud"
	"github.com/siyuan-note/cloudbox/entity"
	"github.com/siyuan-note/eventbus"
)

func TestUploadFile(t *testing.T) {
	m := &mockStorage{}
	mgr := newTestManager(t, m)
	localPath := writeTestFile(t, "hello")

	task, err := mgr.UploadFile(localPath, "dir/hello.txt")
	if nil != err {
		t.Fatalf("upload failed: %s", err)
		return
	}

	task = waitUploadStatus(t, mgr, task.Key, entity.UploadStatusCompleted)
	if 100 != task.Progress {
		t.Fatalf("expected progress 100, got %f", task.Progress)
		return
	}
	if nil != task.Checkpoint {
		t.Fatalf("completed task should not keep a checkpoint")
		return
	}
}

func TestUploadDuplicateRejected(t *testing.T) {
	block := make(chan struct{})
	m := &mockStorage{uploadFn: func(ctx context.Context, localPath, key string, ckpt *entity.Checkpoint, progress cloud.TransferFunc) (*entity.Checkpoint, error) {
		<-block
		return nil, nil
	}}
	mgr := newTestManager(t, m)
	localPath := writeTestFile(t, "data")

	if _, err := mgr.UploadFile(localPath, "same.txt"); nil != err {
		t.Fatalf("first upload failed: %s", err)
		return
	}
	if _, err := mgr.UploadFile(localPath, "same.txt"); !errors.Is(err, ErrTransferExists) {
		t.Fatalf("expected ErrTransferExists, got: %v", err)
		return
	}

	close(block)
	waitUploadStatus(t, mgr, "same.txt", entity.UploadStatusCompleted)

	// 传输结束后注销，同一个键可以再次上传
	if _, err := mgr.UploadFile(localPath, "same.txt"); nil != err {
		t.Fatalf("re-upload after completion failed: %s", err)
		return
	}
	waitUploadStatus(t, mgr, "same.txt", entity.UploadStatusCompleted)
}

func TestUploadProgressMonotonic(t *testing.T) {
	m := &mockStorage{uploadFn: func(ctx context.Context, localPath, key string, ckpt *entity.Checkpoint, progress cloud.TransferFunc) (*entity.Checkpoint, error) {
		// 并行分片完成顺序不定，进度回调可能回退
		progress(50, 100)
		progress(30, 100)
		progress(80, 100)
		progress(100, 100)
		return nil, nil
	}}
	mgr := newTestManager(t, m)
	localPath := writeTestFile(t, "data")

	var lock sync.Mutex
	var percents []float64
	eventbus.Subscribe(EvtUploadProgress, func(task *entity.UploadTask) {
		if "mono.txt" != task.Key {
			return
		}
		lock.Lock()
		percents = append(percents, task.Progress)
		lock.Unlock()
	})

	if _, err := mgr.UploadFile(localPath, "mono.txt"); nil != err {
		t.Fatalf("upload failed: %s", err)
		return
	}
	waitUploadStatus(t, mgr, "mono.txt", entity.UploadStatusCompleted)

	lock.Lock()
	defer lock.Unlock()
	for i := 1; i < len(percents); i++ {
		if percents[i] < percents[i-1] {
			t.Fatalf("progress went backwards: %v", percents)
			return
		}
	}
}

func TestPauseUpload(t *testing.T) {
	started := make(chan struct{})
	m := &mockStorage{uploadFn: func(ctx context.Context, localPath, key string, ckpt *entity.Checkpoint, progress cloud.TransferFunc) (*entity.Checkpoint, error) {
		close(started)
		<-ctx.Done()
		return &entity.Checkpoint{UploadID: "sess-1", PartSize: 4, Total: 8,
			Parts: []*entity.ChunkPart{{Num: 1, ETag: "e1", Size: 4}}}, cloud.ErrCancelled
	}}
	mgr := newTestManager(t, m)
	localPath := writeTestFile(t, "12345678")

	if _, err := mgr.UploadFile(localPath, "pause.bin"); nil != err {
		t.Fatalf("upload failed: %s", err)
		return
	}
	<-started
	if err := mgr.PauseUpload("pause.bin"); nil != err {
		t.Fatalf("pause failed: %s", err)
		return
	}

	task := waitUploadStatus(t, mgr, "pause.bin", entity.UploadStatusPaused)
	if nil == task.Checkpoint || "sess-1" != task.Checkpoint.UploadID {
		t.Fatalf("paused task should keep the checkpoint")
		return
	}
	if 1 != len(task.Checkpoint.Parts) {
		t.Fatalf("expected 1 confirmed part, got %d", len(task.Checkpoint.Parts))
		return
	}

	if err := mgr.PauseUpload("pause.bin"); !errors.Is(err, ErrTransferNotFound) {
		t.Fatalf("pausing a finished transfer should fail, got: %v", err)
		return
	}
}

func TestResumeUploadFromCheckpoint(t *testing.T) {
	var gotCkpt *entity.Checkpoint
	m := &mockStorage{uploadFn: func(ctx context.Context, localPath, key string, ckpt *entity.Checkpoint, progress cloud.TransferFunc) (*entity.Checkpoint, error) {
		gotCkpt = ckpt
		// 只上传剩余部分，回调也只统计新传输的字节
		progress(6, 6)
		return nil, nil
	}}
	mgr := newTestManager(t, m)
	localPath := writeTestFile(t, "0123456789")

	paused := &entity.UploadTask{
		ID:        "u1",
		LocalPath: localPath,
		Key:       "resume.bin",
		Status:    entity.UploadStatusPaused,
		Progress:  40,
		Checkpoint: &entity.Checkpoint{UploadID: "sess-2", PartSize: 4, Total: 10,
			Parts: []*entity.ChunkPart{{Num: 1, ETag: "e1", Size: 4}}},
	}
	mgr.taskStore.putUpload(paused)

	var lock sync.Mutex
	var first float64 = -1
	eventbus.Subscribe(EvtUploadProgress, func(task *entity.UploadTask) {
		if "resume.bin" != task.Key {
			return
		}
		lock.Lock()
		if 0 > first {
			first = task.Progress
		}
		lock.Unlock()
	})

	if _, err := mgr.ResumeUpload("resume.bin"); nil != err {
		t.Fatalf("resume failed: %s", err)
		return
	}
	task := waitUploadStatus(t, mgr, "resume.bin", entity.UploadStatusCompleted)

	if nil == gotCkpt || "sess-2" != gotCkpt.UploadID || 1 != len(gotCkpt.Parts) {
		t.Fatalf("adapter did not receive the checkpoint")
		return
	}
	lock.Lock()
	if 40 > first {
		t.Fatalf("first progress event below checkpoint base: %f", first)
	}
	lock.Unlock()
	if 100 != task.Progress {
		t.Fatalf("expected progress 100, got %f", task.Progress)
		return
	}
}

func TestResumeUploadNotFound(t *testing.T) {
	mgr := newTestManager(t, &mockStorage{})
	if _, err := mgr.ResumeUpload("nope.txt"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got: %v", err)
		return
	}
}

func TestUploadError(t *testing.T) {
	m := &mockStorage{uploadFn: func(ctx context.Context, localPath, key string, ckpt *entity.Checkpoint, progress cloud.TransferFunc) (*entity.Checkpoint, error) {
		return nil, cloud.ErrCloudAuthFailed
	}}
	mgr := newTestManager(t, m)
	localPath := writeTestFile(t, "data")

	if _, err := mgr.UploadFile(localPath, "err.txt"); nil != err {
		t.Fatalf("upload failed: %s", err)
		return
	}
	task := waitUploadStatus(t, mgr, "err.txt", entity.UploadStatusError)
	if "" == task.Error {
		t.Fatalf("expected error message on task")
		return
	}

	// 等待后台协程写完快照再结束，避免临时目录先被清理
	time.Sleep(50 * time.Millisecond)
}

func TestTaskSnapshotIsolation(t *testing.T) {
	release := make(chan struct{})
	m := &mockStorage{uploadFn: func(ctx context.Context, localPath, key string, ckpt *entity.Checkpoint, progress cloud.TransferFunc) (*entity.Checkpoint, error) {
		for i := int64(1); i <= 50; i++ {
			progress(i, 100)
		}
		<-release
		progress(100, 100)
		return nil, nil
	}}
	mgr := newTestManager(t, m)
	localPath := writeTestFile(t, "isolation")

	task, err := mgr.UploadFile(localPath, "isolation.txt")
	if nil != err {
		t.Fatalf("upload failed: %s", err)
		return
	}

	// 传输进行中并发读取任务列表，读到的应是与传输协程隔离的快照
	for i := 0; i < 20; i++ {
		uploads, _ := mgr.Tasks()
		for _, upload := range uploads {
			_ = upload.Status
			_ = upload.Progress
		}
		time.Sleep(time.Millisecond)
	}
	close(release)
	waitUploadStatus(t, mgr, "isolation.txt", entity.UploadStatusCompleted)

	uploads, _ := mgr.Tasks()
	if 1 != len(uploads) {
		t.Fatalf("expected 1 upload task, got %d", len(uploads))
		return
	}
	if task.ID != uploads[0].ID {
		t.Fatalf("task id mismatch")
		return
	}

	// 改写快照不影响存储中的任务
	uploads[0].Status = entity.UploadStatusError
	uploads[0].Progress = 0
	stored := mgr.taskStore.uploadByKey("isolation.txt")
	if entity.UploadStatusCompleted != stored.Status || 100 != stored.Progress {
		t.Fatalf("stored task mutated through snapshot: [%s] [%f]", stored.Status, stored.Progress)
		return
	}
}
