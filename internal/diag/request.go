package diag

import "context"

type requestKey struct{}

type requestInfo struct {
	clientKey string
	requestID string
}

// WithRequest 在 ctx 上附带 client_key/request_id，供下游组件写日志时关联同一请求。
func WithRequest(ctx context.Context, clientKey, requestID string) context.Context {
	return context.WithValue(ctx, requestKey{}, requestInfo{clientKey: clientKey, requestID: requestID})
}

// RequestFrom 取回 WithRequest 附带的标识；缺失时返回空串。
func RequestFrom(ctx context.Context) (clientKey, requestID string) {
	if ctx == nil {
		return "", ""
	}
	if ri, ok := ctx.Value(requestKey{}).(requestInfo); ok {
		return ri.clientKey, ri.requestID
	}
	return "", ""
}
