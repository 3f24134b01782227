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
	"strings"

	"github.com/siyuan-note/cloudbox/cloud"
	"github.com/siyuan-note/cloudbox/entity"
	"github.com/siyuan-note/eventbus"
)

// Search 在整个存储空间内按对象键大小写不敏感地子串匹配 query。
// 结果随分页逐块通过 EvtSearchChunk 推送，结束时推送 EvtSearchEnd 和匹配总数，
// 中途出错时推送 EvtSearchError 并停止。返回值与事件内容一致，便于不走事件总线的调用方。
func (mgr *Manager) Search(ctx context.Context, query string) (matched int, err error) {
	lowerQuery := strings.ToLower(query)

	var cursor *cloud.Cursor
	for {
		result, listErr := mgr.storage.List(ctx, "", cursor, "")
		if nil != listErr {
			err = listErr
			eventbus.Publish(EvtSearchError, err)
			return
		}

		var chunk []*entity.ObjectEntry
		for _, listEntry := range result.Entries {
			if listEntry.IsFolder {
				continue
			}
			if strings.Contains(strings.ToLower(listEntry.Key), lowerQuery) {
				chunk = append(chunk, listEntry)
			}
		}
		if 0 < len(chunk) {
			matched += len(chunk)
			eventbus.Publish(EvtSearchChunk, chunk)
		}

		if nil == result.Next {
			break
		}
		cursor = result.Next
	}
	eventbus.Publish(EvtSearchEnd, matched)
	return
}
