package repositories

import "dm-service/internal/store"

const (
	messagesRoot      = "messages"
	conversationsRoot = "conversations"
	chatListRoot      = "chatList"
)

func messagesPath(key string) string           { return store.Join(messagesRoot, key) }
func messagePath(key, id string) string        { return store.Join(messagesRoot, key, id) }
func conversationPath(key string) string       { return store.Join(conversationsRoot, key) }
func chatListPath(ownerID string) string       { return store.Join(chatListRoot, ownerID) }
func chatEntryPath(ownerID, key string) string { return store.Join(chatListRoot, ownerID, key) }
