package upload

import (
	"context"
	"fmt"

	"github.com/aws/smithy-go/middleware"
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

// contentLengthRangeMiddleware signs a content-length range into the
// presigned PUT so the uploader cannot stage an arbitrarily large object.
func contentLengthRangeMiddleware() func(*middleware.Stack) error {
	return func(stack *middleware.Stack) error {
		return stack.Build.Add(middleware.BuildMiddlewareFunc("BouncerContentLengthRange",
			func(ctx context.Context, in middleware.BuildInput, next middleware.BuildHandler) (middleware.BuildOutput, middleware.Metadata, error) {
				req, ok := in.Request.(*smithyhttp.Request)
				if !ok {
					return next.HandleBuild(ctx, in)
				}
				q := req.URL.Query()
				q.Set("x-amz-content-length-range", fmt.Sprintf("%d,%d", minContentLength, maxContentLength))
				req.URL.RawQuery = q.Encode()
				return next.HandleBuild(ctx, in)
			}), middleware.After)
	}
}
