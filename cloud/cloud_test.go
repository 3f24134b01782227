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
	"testing"
)

func TestPlanParts(t *testing.T) {
	spans := planParts(12*1024*1024, ChunkSize)
	if 3 != len(spans) {
		t.Fatalf("expected 3 parts for 12 MiB, got %d", len(spans))
		return
	}
	if int64(5*1024*1024) != spans[0].size || int64(5*1024*1024) != spans[1].size {
		t.Fatalf("unexpected full part sizes: %d %d", spans[0].size, spans[1].size)
		return
	}
	if int64(2*1024*1024) != spans[2].size {
		t.Fatalf("unexpected tail part size: %d", spans[2].size)
		return
	}

	var total int64
	for i, span := range spans {
		if int32(i+1) != span.num {
			t.Fatalf("part numbers must start at 1 and be contiguous")
			return
		}
		total += span.size
	}
	if int64(12*1024*1024) != total {
		t.Fatalf("part sizes do not cover the file: %d", total)
		return
	}
}

func TestPlanPartsEmptyFile(t *testing.T) {
	spans := planParts(0, ChunkSize)
	if 1 != len(spans) {
		t.Fatalf("empty file should still take one part, got %d", len(spans))
		return
	}
	if int32(1) != spans[0].num || int64(0) != spans[0].size {
		t.Fatalf("unexpected span: %+v", spans[0])
		return
	}
}

func TestPlanPartsExact(t *testing.T) {
	spans := planParts(10*1024*1024, ChunkSize)
	if 2 != len(spans) {
		t.Fatalf("expected 2 parts for 10 MiB, got %d", len(spans))
		return
	}
}

func TestNewFactory(t *testing.T) {
	if _, err := New(nil); nil == err {
		t.Fatalf("nil conf should fail")
		return
	}
	if _, err := New(&Conf{Type: "ftp"}); nil == err {
		t.Fatalf("unknown type should fail")
		return
	}

	storage, err := New(&Conf{ID: "p1", Type: TypeLocal, Local: &ConfLocal{Endpoint: "/tmp"}})
	if nil != err {
		t.Fatalf("new local storage failed: %s", err)
		return
	}
	if TypeLocal != storage.GetConf().Type {
		t.Fatalf("conf not carried")
		return
	}
	if 1000 != storage.BatchLimit() {
		t.Fatalf("unexpected batch limit: %d", storage.BatchLimit())
		return
	}
}

func TestURLCache(t *testing.T) {
	CacheURL("p1", "a.png", &URLInfo{URL: "https://img.example.com/a.png", DeleteToken: "tok"})
	WaitURLCache()

	info, ok := CachedURL("p1", "a.png")
	if !ok {
		t.Fatalf("cache miss after set")
		return
	}
	if "tok" != info.DeleteToken {
		t.Fatalf("unexpected delete token: %s", info.DeleteToken)
		return
	}

	// 不同档案之间互不可见
	if _, ok = CachedURL("p2", "a.png"); ok {
		t.Fatalf("cache leaked across profiles")
		return
	}
}
