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
	"fmt"
	"strings"

	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go/middleware"
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

// HeadersToIgnore 列出了在 S3 兼容服务（Cloudflare Tunnel、GCS 等代理之后）上
// 常因被中间层改写而导致 SignatureDoesNotMatch 的请求头。
// 这些头在 SigV4 签名前被临时摘除，签名后恢复。
var HeadersToIgnore = []string{
	"Accept-Encoding",
	"Amz-Sdk-Invocation-Id",
	"Amz-Sdk-Request",
}

type ignoredHeadersKey struct{}

// IgnoreSigningHeaders 注入中间件，将指定请求头排除在 SigV4 签名计算之外。
// 仅用于非 AWS 的 S3 端点。
func IgnoreSigningHeaders(o *s3.Options, headers []string) {
	o.APIOptions = append(o.APIOptions, func(stack *middleware.Stack) error {
		if err := stack.Finalize.Insert(ignoreHeaders(headers), "Signing", middleware.Before); err != nil {
			return fmt.Errorf("insert ignore headers middleware failed: %w", err)
		}

		if err := stack.Finalize.Insert(restoreIgnored(), "Signing", middleware.After); err != nil {
			return fmt.Errorf("insert restore headers middleware failed: %w", err)
		}

		return nil
	})
}

// ignoreHeaders 摘除指定请求头并存入 context，供签名后恢复。
func ignoreHeaders(headers []string) middleware.FinalizeMiddleware {
	return middleware.FinalizeMiddlewareFunc(
		"S3CompatIgnoreHeaders",
		func(ctx context.Context, in middleware.FinalizeInput, next middleware.FinalizeHandler) (out middleware.FinalizeOutput, metadata middleware.Metadata, err error) {
			req, ok := in.Request.(*smithyhttp.Request)
			if !ok {
				return out, metadata, &v4.SigningError{Err: errors.New("unexpected request middleware type for ignoreHeaders")}
			}

			ignored := make(map[string]string, len(headers))
			for _, h := range headers {
				canonicalKey := strings.Title(strings.ToLower(h))
				ignored[canonicalKey] = req.Header.Get(h)
				req.Header.Del(h)
			}

			ctx = middleware.WithStackValue(ctx, ignoredHeadersKey{}, ignored)
			return next.HandleFinalize(ctx, in)
		},
	)
}

// restoreIgnored 在签名完成后将摘除的请求头恢复到请求上。
func restoreIgnored() middleware.FinalizeMiddleware {
	return middleware.FinalizeMiddlewareFunc(
		"S3CompatRestoreHeaders",
		func(ctx context.Context, in middleware.FinalizeInput, next middleware.FinalizeHandler) (out middleware.FinalizeOutput, metadata middleware.Metadata, err error) {
			req, ok := in.Request.(*smithyhttp.Request)
			if !ok {
				return out, metadata, &v4.SigningError{Err: errors.New("unexpected request middleware type for restoreIgnored")}
			}

			ignored, _ := middleware.GetStackValue(ctx, ignoredHeadersKey{}).(map[string]string)
			for k, v := range ignored {
				if "" != v {
					req.Header.Set(k, v)
				}
			}

			return next.HandleFinalize(ctx, in)
		},
	)
}
