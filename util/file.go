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

package util

import (
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/88250/gulu"
)

// DedupPath 返回一个尚不存在的目标文件路径。
// 若 p 已存在则在扩展名前追加时间戳，仅在下载开始前判定一次。
func DedupPath(p string) string {
	if !IsExist(p) {
		return p
	}

	dir, base := filepath.Split(p)
	ext := filepath.Ext(base)
	name := strings.TrimSuffix(base, ext)
	suffix := time.Now().Format("20060102150405")
	ret := filepath.Join(dir, name+"-"+suffix+ext)
	for i := 1; IsExist(ret); i++ {
		ret = filepath.Join(dir, name+"-"+suffix+"-"+strconv.Itoa(i)+ext)
	}
	return ret
}

func IsExist(p string) bool {
	return gulu.File.IsExist(p)
}
