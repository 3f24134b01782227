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
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"github.com/siyuan-note/cloudbox/entity"
	"github.com/studio-b12/gowebdav"
)

// WebDAV 描述了 WebDAV 协议存储服务实现。
// WebDAV 服务端不分页，List 始终单页返回。
type WebDAV struct {
	*BaseCloud

	Client *gowebdav.Client
}

func NewWebDAV(baseCloud *BaseCloud) *WebDAV {
	client := gowebdav.NewClient(baseCloud.Conf.WebDAV.Endpoint, baseCloud.Conf.WebDAV.Username, baseCloud.Conf.WebDAV.Password)
	timeout := requestTimeout
	if 0 < baseCloud.Conf.WebDAV.Timeout {
		timeout = time.Duration(baseCloud.Conf.WebDAV.Timeout) * time.Second
	}
	client.SetTimeout(timeout)
	return &WebDAV{BaseCloud: baseCloud, Client: client}
}

func (webdav *WebDAV) List(ctx context.Context, prefix string, cursor *Cursor, delimiter string) (ret *ListResult, err error) {
	ret = &ListResult{}
	if "" == delimiter {
		err = webdav.walk(prefix, func(entry *entity.ObjectEntry) {
			ret.Entries = append(ret.Entries, entry)
		})
		return
	}

	infos, err := webdav.Client.ReadDir(prefix)
	if nil != err {
		err = webdav.parseErr(err)
		if errors.Is(err, ErrCloudObjectNotFound) {
			err = nil
		}
		return
	}
	for _, info := range infos {
		if info.IsDir() {
			ret.Entries = append(ret.Entries, entity.NewFolderEntry(path.Join(prefix, info.Name())+"/"))
			continue
		}
		ret.Entries = append(ret.Entries, &entity.ObjectEntry{
			Key:     path.Join(prefix, info.Name()),
			Size:    info.Size(),
			Updated: info.ModTime().UnixMilli(),
		})
	}
	return
}

func (webdav *WebDAV) Upload(ctx context.Context, localPath, key string, ckpt *entity.Checkpoint, progress TransferFunc) (ret *entity.Checkpoint, err error) {
	info, err := os.Stat(localPath)
	if nil != err {
		return
	}
	file, err := os.Open(localPath)
	if nil != err {
		return
	}
	defer file.Close()

	if dir := path.Dir(key); "." != dir && "/" != dir {
		if err = webdav.Client.MkdirAll(dir, 0755); nil != err {
			err = webdav.parseErr(err)
			return
		}
	}
	if err = webdav.Client.WriteStream(key, file, 0644); nil != err {
		err = webdav.parseErr(err)
		return
	}
	if nil != progress {
		progress(info.Size(), info.Size())
	}
	return
}

func (webdav *WebDAV) Download(ctx context.Context, key, localPath string, progress TransferFunc) (err error) {
	info, err := webdav.Client.Stat(key)
	if nil != err {
		err = webdav.parseErr(err)
		return
	}
	reader, err := webdav.Client.ReadStream(key)
	if nil != err {
		err = webdav.parseErr(err)
		return
	}
	defer reader.Close()
	return streamToFile(ctx, reader, localPath, info.Size(), progress)
}

func (webdav *WebDAV) Remove(ctx context.Context, key string) (err error) {
	if err = webdav.Client.Remove(key); nil != err {
		err = webdav.parseErr(err)
		if errors.Is(err, ErrCloudObjectNotFound) {
			err = nil
		}
	}
	return
}

func (webdav *WebDAV) RemoveAll(ctx context.Context, keys []string) (err error) {
	for _, key := range keys {
		if err = webdav.Remove(ctx, key); nil != err {
			return
		}
	}
	return
}

func (webdav *WebDAV) CreateMarker(ctx context.Context, key string) (err error) {
	if err = webdav.Client.MkdirAll(strings.TrimSuffix(key, "/"), 0755); nil != err {
		err = webdav.parseErr(err)
	}
	return
}

func (webdav *WebDAV) GetStat(ctx context.Context) (stat *Stat, err error) {
	stat = &Stat{Bucket: webdav.Conf.WebDAV.Endpoint}
	err = webdav.walk("", func(entry *entity.ObjectEntry) {
		stat.Count++
		stat.TotalBytes += entry.Size
	})
	return
}

func (webdav *WebDAV) walk(dir string, visit func(entry *entity.ObjectEntry)) (err error) {
	infos, err := webdav.Client.ReadDir(dir)
	if nil != err {
		err = webdav.parseErr(err)
		if errors.Is(err, ErrCloudObjectNotFound) {
			err = nil
		}
		return
	}
	for _, info := range infos {
		p := path.Join(dir, info.Name())
		if info.IsDir() {
			if err = webdav.walk(p, visit); nil != err {
				return
			}
			continue
		}
		visit(&entity.ObjectEntry{Key: p, Size: info.Size(), Updated: info.ModTime().UnixMilli()})
	}
	return
}

func (webdav *WebDAV) parseErr(err error) error {
	if nil == err {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return ErrCancelled
	}
	if errors.Is(err, os.ErrNotExist) {
		return ErrCloudObjectNotFound
	}

	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		if statusErr, ok := pathErr.Err.(gowebdav.StatusError); ok {
			switch statusErr.Status {
			case http.StatusNotFound:
				return ErrCloudObjectNotFound
			case http.StatusUnauthorized, http.StatusForbidden:
				return ErrCloudAuthFailed
			case http.StatusTooManyRequests:
				return ErrCloudTooManyRequests
			case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
				return ErrCloudServiceUnavailable
			}
		}
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "404") || strings.Contains(msg, "not found") {
		return ErrCloudObjectNotFound
	}
	if strings.Contains(msg, "401") || strings.Contains(msg, "403") {
		return ErrCloudAuthFailed
	}
	return err
}
