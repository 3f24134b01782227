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

package entity

// ObjectEntry 描述了列出的一个云端对象。
type ObjectEntry struct {
	Key       string `json:"key"`                 // 对象键
	IsFolder  bool   `json:"isFolder"`            // 是否为文件夹（由公共前缀合成，云端并无实体）
	Size      int64  `json:"size"`                // 对象大小字节数，文件夹恒为 0
	Updated   int64  `json:"updated"`             // 最后更新时间戳，单位：毫秒
	ETag      string `json:"etag,omitempty"`      // 对象 ETag，文件夹没有该值
	PublicURL string `json:"publicUrl,omitempty"` // 公开访问地址，仅部分后端返回
}

// NewFolderEntry 基于公共前缀合成一个文件夹条目。
func NewFolderEntry(prefix string) *ObjectEntry {
	return &ObjectEntry{Key: prefix, IsFolder: true}
}
