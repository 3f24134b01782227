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

func TestSMMSEntryKey(t *testing.T) {
	smms := NewSMMS(&BaseCloud{Conf: &Conf{ID: "test", Type: TypeSMMS, SMMS: &ConfSMMS{}}})

	if key := smms.entryKey(smmsItem{Filename: "cat.png", Storename: "Abc123.png"}); "cat.png" != key {
		t.Fatalf("expected filename key, got [%s]", key)
		return
	}
	if key := smms.entryKey(smmsItem{Storename: "Abc123.png"}); "Abc123.png" != key {
		t.Fatalf("expected storename key, got [%s]", key)
		return
	}
}

func TestSMMSRepeatedUploadKey(t *testing.T) {
	smms := NewSMMS(&BaseCloud{Conf: &Conf{ID: "test", Type: TypeSMMS, SMMS: &ConfSMMS{}}})

	// 重复上传响应带原始条目时键与列表条目一致
	withItem := &smmsUploadResult{Code: "image_repeated", Images: "https://sm.ms/i/cat.png",
		Data: smmsItem{Filename: "cat.png"}}
	if key := smms.repeatedKey(withItem, "photos/other.png"); "cat.png" != key {
		t.Fatalf("expected entry-derived key, got [%s]", key)
		return
	}

	storenameOnly := &smmsUploadResult{Code: "image_repeated", Images: "https://sm.ms/i/x.png",
		Data: smmsItem{Storename: "Abc123.png"}}
	if key := smms.repeatedKey(storenameOnly, "photos/other.png"); "Abc123.png" != key {
		t.Fatalf("expected storename key, got [%s]", key)
		return
	}

	// 响应里没有条目时退回本次上传的文件名
	bare := &smmsUploadResult{Code: "image_repeated", Images: "https://sm.ms/i/y.png"}
	if key := smms.repeatedKey(bare, "photos/other.png"); "other.png" != key {
		t.Fatalf("expected base-name fallback, got [%s]", key)
		return
	}
}
