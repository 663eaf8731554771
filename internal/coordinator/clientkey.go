package coordinator

import (
	"strconv"
	"strings"

	"clarifai/pkg/contract"
)

// PopupKey 是既无显式 clientId 也无标签页身份时的默认客户端键。
const PopupKey = "popup:default"

// ClientKey 推导客户端键：显式 clientId → tab:<tabId>:<frameId|0> → popup:default。
func ClientKey(clientID string, sender *contract.Sender) string {
	if id := strings.TrimSpace(clientID); id != "" {
		return id
	}
	if sender != nil && sender.TabID != nil {
		frame := int64(0)
		if sender.FrameID != nil {
			frame = *sender.FrameID
		}
		return "tab:" + strconv.FormatInt(*sender.TabID, 10) + ":" + strconv.FormatInt(frame, 10)
	}
	return PopupKey
}
