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
	"time"

	"github.com/siyuan-note/eventbus"
)

// 传输和检索过程中通过事件总线推送的事件，宿主界面订阅这些事件刷新显示。
const (
	EvtUploadProgress  = "cloudbox.upload.progress"  // 参数 (*entity.UploadTask)
	EvtUploadPaused    = "cloudbox.upload.paused"    // 参数 (*entity.UploadTask)
	EvtUploadCompleted = "cloudbox.upload.completed" // 参数 (*entity.UploadTask)
	EvtUploadError     = "cloudbox.upload.error"     // 参数 (*entity.UploadTask)

	EvtDownloadStart     = "cloudbox.download.start"     // 参数 (*entity.DownloadTask)
	EvtDownloadProgress  = "cloudbox.download.progress"  // 参数 (*entity.DownloadTask)
	EvtDownloadCompleted = "cloudbox.download.completed" // 参数 (*entity.DownloadTask)
	EvtDownloadError     = "cloudbox.download.error"     // 参数 (*entity.DownloadTask)

	EvtSearchChunk = "cloudbox.search.chunk" // 参数 ([]*entity.ObjectEntry)
	EvtSearchEnd   = "cloudbox.search.end"   // 参数 (int) 匹配总数
	EvtSearchError = "cloudbox.search.error" // 参数 (error)

	EvtActivity = "cloudbox.activity" // 参数 (*Activity)
)

// Activity 描述了一条操作记录，每个终态的操作产生一条。
type Activity struct {
	Profile string `json:"profile"` // 配置档案 ID
	Op      string `json:"op"`      // 操作名称
	Key     string `json:"key"`     // 相关对象键
	Detail  string `json:"detail"`  // 附加描述
	Created int64  `json:"created"` // 创建时间戳，单位：毫秒
}

func pushActivity(profile, op, key, detail string) {
	eventbus.Publish(EvtActivity, &Activity{
		Profile: profile,
		Op:      op,
		Key:     key,
		Detail:  detail,
		Created: time.Now().UnixMilli(),
	})
}
