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
	"fmt"
	"testing"

	"github.com/siyuan-note/cloudbox/cloud"
	"github.com/siyuan-note/cloudbox/entity"
)

func bulkKeys(n int) (ret []*entity.ObjectEntry) {
	for i := 0; i < n; i++ {
		ret = append(ret, &entity.ObjectEntry{Key: fmt.Sprintf("dir/f-%04d.bin", i), Size: 1})
	}
	return
}

func TestDeleteFolderBatching(t *testing.T) {
	m := &mockStorage{pages: []*cloud.ListResult{{Entries: bulkKeys(2500)}}}
	mgr := newTestManager(t, m)

	if err := mgr.DeleteFolder(context.Background(), "dir/"); nil != err {
		t.Fatalf("delete folder failed: %s", err)
		return
	}
	if 3 != len(m.batches) {
		t.Fatalf("expected 3 batches, got %d", len(m.batches))
		return
	}
	if 1000 != len(m.batches[0]) || 1000 != len(m.batches[1]) || 500 != len(m.batches[2]) {
		t.Fatalf("unexpected batch sizes: %d %d %d", len(m.batches[0]), len(m.batches[1]), len(m.batches[2]))
		return
	}
}

func TestDeleteFolderAbortsOnBatchFailure(t *testing.T) {
	m := &mockStorage{pages: []*cloud.ListResult{{Entries: bulkKeys(2500)}}, failBatch: 2}
	mgr := newTestManager(t, m)

	err := mgr.DeleteFolder(context.Background(), "dir/")
	if nil == err {
		t.Fatalf("expected batch error")
		return
	}

	var batchErr *BatchError
	if !errors.As(err, &batchErr) {
		t.Fatalf("expected *BatchError, got: %v", err)
		return
	}
	if 2500 != batchErr.Enumerated {
		t.Fatalf("expected 2500 enumerated, got %d", batchErr.Enumerated)
		return
	}
	if 1000 != batchErr.Completed {
		t.Fatalf("expected 1000 completed, got %d", batchErr.Completed)
		return
	}
	// 第二批失败后第三批不再尝试
	if 2 != len(m.batches) {
		t.Fatalf("expected 2 attempted batches, got %d", len(m.batches))
		return
	}
}

func TestDeleteFolderEmpty(t *testing.T) {
	m := &mockStorage{pages: []*cloud.ListResult{{}}}
	mgr := newTestManager(t, m)

	if err := mgr.DeleteFolder(context.Background(), "empty/"); nil != err {
		t.Fatalf("delete empty folder failed: %s", err)
		return
	}
	if 0 != len(m.batches) {
		t.Fatalf("expected no delete batches, got %d", len(m.batches))
		return
	}
	// 空文件夹的占位自身仍要删除
	if 1 != len(m.removed) || "empty/" != m.removed[0] {
		t.Fatalf("expected folder marker removal, got %v", m.removed)
		return
	}
}

func TestDeleteFolderRemovesFolderMarker(t *testing.T) {
	m := &mockStorage{pages: []*cloud.ListResult{{Entries: bulkKeys(3)}}}
	mgr := newTestManager(t, m)

	if err := mgr.DeleteFolder(context.Background(), "dir"); nil != err {
		t.Fatalf("delete folder failed: %s", err)
		return
	}
	// 对象删完后文件夹占位自身也要删除
	if 1 != len(m.removed) || "dir/" != m.removed[0] {
		t.Fatalf("expected folder marker removal, got %v", m.removed)
		return
	}
}
