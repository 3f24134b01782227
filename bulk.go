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
	"fmt"
	"strings"

	"github.com/siyuan-note/cloudbox/cloud"
)

// BatchError 描述了批量删除中途失败的结果。
// Enumerated 为列举到的对象总数，Completed 为失败前已删除的对象数，
// 失败批次之后的批次不会被尝试。
type BatchError struct {
	Enumerated int
	Completed  int
	Err        error
}

func (batchErr *BatchError) Error() string {
	return fmt.Sprintf("deleted [%d/%d] objects then failed: %s", batchErr.Completed, batchErr.Enumerated, batchErr.Err)
}

func (batchErr *BatchError) Unwrap() error {
	return batchErr.Err
}

// DeleteFolder 递归删除 prefix 下的所有对象，包含文件夹占位对象自身。
// 先完整列举再按后端批量上限分批删除，某一批失败时中止后续批次并返回 *BatchError。
func (mgr *Manager) DeleteFolder(ctx context.Context, prefix string) (err error) {
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	keys, err := mgr.enumerateKeys(ctx, prefix)
	if nil != err {
		return
	}

	batchLimit := mgr.storage.BatchLimit()
	completed := 0
	for start := 0; start < len(keys); start += batchLimit {
		end := start + batchLimit
		if end > len(keys) {
			end = len(keys)
		}
		if err = mgr.storage.RemoveAll(ctx, keys[start:end]); nil != err {
			return &BatchError{Enumerated: len(keys), Completed: completed, Err: err}
		}
		completed += end - start
	}

	// 对象清空后移除文件夹占位自身，目录型后端的目录也在这一步消失
	if err = mgr.storage.Remove(ctx, prefix); nil != err {
		return &BatchError{Enumerated: len(keys), Completed: completed, Err: err}
	}

	pushActivity(mgr.Conf().ID, "delete-folder", prefix, fmt.Sprintf("%d objects", completed))
	return
}

// enumerateKeys 平铺列举 prefix 下的全部对象键。
func (mgr *Manager) enumerateKeys(ctx context.Context, prefix string) (keys []string, err error) {
	var cursor *cloud.Cursor
	for {
		result, listErr := mgr.storage.List(ctx, prefix, cursor, "")
		if nil != listErr {
			err = listErr
			return
		}
		for _, listEntry := range result.Entries {
			if listEntry.IsFolder {
				continue
			}
			keys = append(keys, listEntry.Key)
		}
		if nil == result.Next {
			break
		}
		cursor = result.Next
	}
	return
}
