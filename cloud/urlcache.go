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
	"github.com/dgraph-io/ristretto/v2"
)

// URLInfo 描述了图床对象在列表或上传时返回的访问信息。
// 图床的删除和下载依赖这些只在列表/上传时返回的值，因此需要进程级缓存；
// 缓存不是权威数据，未命中时应重新查询图床历史接口，而不是直接报错。
type URLInfo struct {
	URL         string // 公开访问地址
	DeleteToken string // 删除令牌，Imgur 的 deletehash 或 SM.MS 的 hash
}

var urlCache *ristretto.Cache[string, *URLInfo]

func init() {
	var err error
	urlCache, err = ristretto.NewCache[string, *URLInfo](&ristretto.Config[string, *URLInfo]{
		NumCounters: 100000,
		MaxCost:     1000 * 1000 * 16,
		BufferItems: 64,
	})
	if nil != err {
		panic(err)
	}
}

// CacheURL 写入一个图床对象的访问信息，key 需带上后端配置档案 ID 前缀避免互相覆盖。
func CacheURL(profileID, key string, info *URLInfo) {
	urlCache.Set(profileID+"/"+key, info, int64(len(info.URL)+len(info.DeleteToken)))
}

// CachedURL 查询缓存的访问信息。
func CachedURL(profileID, key string) (ret *URLInfo, ok bool) {
	return urlCache.Get(profileID + "/" + key)
}

// WaitURLCache 等待缓存写入可见，批量填充后调用。
func WaitURLCache() {
	urlCache.Wait()
}
