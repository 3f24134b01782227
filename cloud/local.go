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
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/siyuan-note/cloudbox/entity"
)

// Local 描述了本地文件系统存储服务实现，对象键映射为根目录下的相对路径。
type Local struct {
	*BaseCloud
}

func NewLocal(baseCloud *BaseCloud) *Local {
	return &Local{BaseCloud: baseCloud}
}

func (local *Local) List(ctx context.Context, prefix string, cursor *Cursor, delimiter string) (ret *ListResult, err error) {
	ret = &ListResult{}
	root := local.Conf.Local.Endpoint

	if "" == delimiter {
		err = filepath.WalkDir(filepath.Join(root, filepath.FromSlash(prefix)), func(p string, d fs.DirEntry, walkErr error) error {
			if nil != walkErr {
				if errors.Is(walkErr, os.ErrNotExist) {
					return nil
				}
				return walkErr
			}
			if d.IsDir() {
				return nil
			}
			info, infoErr := d.Info()
			if nil != infoErr {
				return infoErr
			}
			ret.Entries = append(ret.Entries, &entity.ObjectEntry{
				Key:     local.relKey(p),
				Size:    info.Size(),
				Updated: info.ModTime().UnixMilli(),
			})
			return nil
		})
		return
	}

	dirEntries, err := os.ReadDir(filepath.Join(root, filepath.FromSlash(prefix)))
	if nil != err {
		if errors.Is(err, os.ErrNotExist) {
			err = nil
		}
		return
	}
	for _, dirEntry := range dirEntries {
		if dirEntry.IsDir() {
			ret.Entries = append(ret.Entries, entity.NewFolderEntry(path.Join(prefix, dirEntry.Name())+"/"))
			continue
		}
		info, infoErr := dirEntry.Info()
		if nil != infoErr {
			err = infoErr
			return
		}
		ret.Entries = append(ret.Entries, &entity.ObjectEntry{
			Key:     path.Join(prefix, dirEntry.Name()),
			Size:    info.Size(),
			Updated: info.ModTime().UnixMilli(),
		})
	}
	return
}

func (local *Local) Upload(ctx context.Context, localPath, key string, ckpt *entity.Checkpoint, progress TransferFunc) (ret *entity.Checkpoint, err error) {
	info, err := os.Stat(localPath)
	if nil != err {
		return
	}
	file, err := os.Open(localPath)
	if nil != err {
		return
	}
	defer file.Close()

	destPath := local.absPath(key)
	if err = os.MkdirAll(filepath.Dir(destPath), 0755); nil != err {
		return
	}
	err = streamToFile(ctx, file, destPath, info.Size(), progress)
	return
}

func (local *Local) Download(ctx context.Context, key, localPath string, progress TransferFunc) (err error) {
	srcPath := local.absPath(key)
	info, err := os.Stat(srcPath)
	if nil != err {
		err = local.parseErr(err)
		return
	}
	file, err := os.Open(srcPath)
	if nil != err {
		err = local.parseErr(err)
		return
	}
	defer file.Close()
	return streamToFile(ctx, file, localPath, info.Size(), progress)
}

func (local *Local) Remove(ctx context.Context, key string) (err error) {
	if strings.HasSuffix(key, "/") {
		// 目录键，清空文件后遗留的空子目录一并移除
		return os.RemoveAll(local.absPath(key))
	}
	if err = os.Remove(local.absPath(key)); nil != err {
		if errors.Is(err, os.ErrNotExist) {
			err = nil
		}
	}
	return
}

func (local *Local) RemoveAll(ctx context.Context, keys []string) (err error) {
	for _, key := range keys {
		if err = local.Remove(ctx, key); nil != err {
			return
		}
	}
	return
}

func (local *Local) CreateMarker(ctx context.Context, key string) (err error) {
	return os.MkdirAll(local.absPath(strings.TrimSuffix(key, "/")), 0755)
}

func (local *Local) GetStat(ctx context.Context) (stat *Stat, err error) {
	stat = &Stat{Bucket: local.Conf.Local.Endpoint}
	result, err := local.List(ctx, "", nil, "")
	if nil != err {
		return
	}
	for _, listEntry := range result.Entries {
		stat.Count++
		stat.TotalBytes += listEntry.Size
	}
	return
}

func (local *Local) absPath(key string) string {
	return filepath.Join(local.Conf.Local.Endpoint, filepath.FromSlash(key))
}

func (local *Local) relKey(p string) string {
	rel, err := filepath.Rel(local.Conf.Local.Endpoint, p)
	if nil != err {
		return filepath.ToSlash(p)
	}
	return filepath.ToSlash(rel)
}

func (local *Local) parseErr(err error) error {
	if nil == err {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return ErrCancelled
	}
	if errors.Is(err, os.ErrNotExist) {
		return ErrCloudObjectNotFound
	}
	if errors.Is(err, os.ErrPermission) {
		return ErrCloudAuthFailed
	}
	return err
}

var _ Storage = (*Local)(nil)
