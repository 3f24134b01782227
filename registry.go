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
	"sync"
)

// registry 描述了进程内的在途传输表。
// 上传以目标对象键登记，下载以任务 ID 登记，同一个键最多存在一个在途传输。
type registry struct {
	lock      sync.Mutex
	transfers map[string]context.CancelFunc
}

func newRegistry() *registry {
	return &registry{transfers: map[string]context.CancelFunc{}}
}

// insert 登记一个在途传输，键已被占用时返回 false。
func (reg *registry) insert(key string, cancel context.CancelFunc) bool {
	reg.lock.Lock()
	defer reg.lock.Unlock()

	if _, ok := reg.transfers[key]; ok {
		return false
	}
	reg.transfers[key] = cancel
	return true
}

// remove 注销一个在途传输，重复注销是无害的。
func (reg *registry) remove(key string) {
	reg.lock.Lock()
	defer reg.lock.Unlock()
	delete(reg.transfers, key)
}

// cancel 取消一个在途传输的上下文，传输会在下一个 I/O 边界观察到取消。
// 键不存在时返回 false。
func (reg *registry) cancel(key string) bool {
	reg.lock.Lock()
	defer reg.lock.Unlock()

	cancel, ok := reg.transfers[key]
	if !ok {
		return false
	}
	cancel()
	return true
}

func (reg *registry) count() int {
	reg.lock.Lock()
	defer reg.lock.Unlock()
	return len(reg.transfers)
}
