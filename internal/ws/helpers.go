package ws

import "github.com/google/uuid"

// Connection kinds, also used as metric labels.
const (
	kindChat     = "chat"
	kindChatList = "chat_list"
)

func newConnID() string {
	return uuid.NewString()
}

func chatRoom(key string) string {
	return kindChat + ":" + key
}

func chatListRoom(ownerID string) string {
	return kindChatList + ":" + ownerID
}

func wsRoutingKey(kind string) string {
	if kind == kindChatList {
		return "ws_events.chat_list"
	}
	return "ws_events.chats"
}
