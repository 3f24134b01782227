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
	"os"
	"path/filepath"
	"testing"
)

func newTestLocal(t *testing.T) (Storage, string) {
	root := t.TempDir()
	storage, err := New(&Conf{ID: "local-test", Type: TypeLocal, Local: &ConfLocal{Endpoint: root}})
	if nil != err {
		t.Fatalf("new local storage failed: %s", err)
	}
	return storage, root
}

func TestLocalUploadDownload(t *testing.T) {
	storage, _ := newTestLocal(t)
	ctx := context.Background()

	src := filepath.Join(t.TempDir(), "src.txt")
	if err := os.WriteFile(src, []byte("Hello CloudBox"), 0644); nil != err {
		t.Fatalf("write source failed: %s", err)
		return
	}

	var transferred, total int64
	ckpt, err := storage.Upload(ctx, src, "docs/hello.txt", nil, func(n, t int64) { transferred, total = n, t })
	if nil != err {
		t.Fatalf("upload failed: %s", err)
		return
	}
	if nil != ckpt {
		t.Fatalf("local upload should not produce a checkpoint")
		return
	}
	if transferred != total || 0 == total {
		t.Fatalf("progress incomplete: %d/%d", transferred, total)
		return
	}

	dest := filepath.Join(t.TempDir(), "dest.txt")
	if err = storage.Download(ctx, "docs/hello.txt", dest, nil); nil != err {
		t.Fatalf("download failed: %s", err)
		return
	}
	data, err := os.ReadFile(dest)
	if nil != err {
		t.Fatalf("read downloaded file failed: %s", err)
		return
	}
	if "Hello CloudBox" != string(data) {
		t.Fatalf("content mismatch: %s", data)
		return
	}
}

func TestLocalList(t *testing.T) {
	storage, root := newTestLocal(t)
	ctx := context.Background()

	for _, p := range []string{"docs/a.txt", "docs/sub/b.txt", "c.txt"} {
		full := filepath.Join(root, filepath.FromSlash(p))
		if err := os.MkdirAll(filepath.Dir(full), 0755); nil != err {
			t.Fatalf("mkdir failed: %s", err)
			return
		}
		if err := os.WriteFile(full, []byte("x"), 0644); nil != err {
			t.Fatalf("write failed: %s", err)
			return
		}
	}

	// 文件夹语义：一层
	result, err := storage.List(ctx, "docs", nil, "/")
	if nil != err {
		t.Fatalf("list failed: %s", err)
		return
	}
	var folders, files int
	for _, entry := range result.Entries {
		if entry.IsFolder {
			folders++
		} else {
			files++
		}
	}
	if 1 != folders || 1 != files {
		t.Fatalf("expected 1 folder and 1 file, got %d/%d", folders, files)
		return
	}

	// 平铺语义：递归全部文件
	result, err = storage.List(ctx, "", nil, "")
	if nil != err {
		t.Fatalf("flat list failed: %s", err)
		return
	}
	if 3 != len(result.Entries) {
		t.Fatalf("expected 3 files, got %d", len(result.Entries))
		return
	}
	if nil != result.Next {
		t.Fatalf("local list is single page")
		return
	}
}

func TestLocalRemoveIdempotent(t *testing.T) {
	storage, root := newTestLocal(t)
	ctx := context.Background()

	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("x"), 0644); nil != err {
		t.Fatalf("write failed: %s", err)
		return
	}
	if err := storage.Remove(ctx, "a.txt"); nil != err {
		t.Fatalf("remove failed: %s", err)
		return
	}
	// 再删一次不报错
	if err := storage.Remove(ctx, "a.txt"); nil != err {
		t.Fatalf("second remove failed: %s", err)
		return
	}
}

func TestLocalCreateMarkerAndStat(t *testing.T) {
	storage, root := newTestLocal(t)
	ctx := context.Background()

	if err := storage.CreateMarker(ctx, "empty-dir/"); nil != err {
		t.Fatalf("create marker failed: %s", err)
		return
	}
	if info, err := os.Stat(filepath.Join(root, "empty-dir")); nil != err || !info.IsDir() {
		t.Fatalf("marker directory missing")
		return
	}

	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("abcd"), 0644); nil != err {
		t.Fatalf("write failed: %s", err)
		return
	}
	stat, err := storage.GetStat(ctx)
	if nil != err {
		t.Fatalf("stat failed: %s", err)
		return
	}
	if 1 != stat.Count || 4 != stat.TotalBytes {
		t.Fatalf("unexpected stat: %+v", stat)
		return
	}
}

func TestLocalPresignUnsupported(t *testing.T) {
	storage, _ := newTestLocal(t)

	_, err := storage.PresignURL(context.Background(), "a.txt", 0)
	if !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got: %v", err)
		return
	}
}

func TestLocalDownloadNotFound(t *testing.T) {
	storage, _ := newTestLocal(t)

	err := storage.Download(context.Background(), "missing.txt", filepath.Join(t.TempDir(), "out"), nil)
	if !errors.Is(err, ErrCloudObjectNotFound) {
		t.Fatalf("expected ErrCloudObjectNotFound, got: %v", err)
		return
	}
}

func TestLocalRemoveFolder(t *testing.T) {
	storage, root := newTestLocal(t)
	ctx := context.Background()

	if err := os.MkdirAll(filepath.Join(root, "docs", "sub"), 0755); nil != err {
		t.Fatalf("mkdir failed: %s", err)
		return
	}
	if err := os.WriteFile(filepath.Join(root, "docs", "a.txt"), []byte("x"), 0644); nil != err {
		t.Fatalf("write failed: %s", err)
		return
	}

	// 文件删掉后目录键的删除要带走目录本身和遗留的空子目录
	if err := storage.Remove(ctx, "docs/a.txt"); nil != err {
		t.Fatalf("remove file failed: %s", err)
		return
	}
	if err := storage.Remove(ctx, "docs/"); nil != err {
		t.Fatalf("remove folder failed: %s", err)
		return
	}
	if _, err := os.Stat(filepath.Join(root, "docs")); !os.IsNotExist(err) {
		t.Fatalf("folder should be gone, stat err: %v", err)
		return
	}
	if err := storage.Remove(ctx, "docs/"); nil != err {
		t.Fatalf("second remove failed: %s", err)
		return
	}
}
