package cache

import "fmt"

// Key layout:
//   roomKey(docID)   ZSet<userID, expireAtUnix>, score is the logical TTL
//   namesKey(docID)  Hash<userID, display name>
//   cursorKey        String, JSON cursor with a real TTL
//   docsKey          Set<docID> of rooms that had members

const (
	keyRoomFmt   = "presence:room:{docID:%s}"
	keyNamesFmt  = "presence:room:names:{docID:%s}"
	keyCursorFmt = "presence:cursor:{docID:%s}:%s"
	keyDocsSet   = "presence:docs"
)

func roomKey(docID string) string           { return fmt.Sprintf(keyRoomFmt, docID) }
func namesKey(docID string) string          { return fmt.Sprintf(keyNamesFmt, docID) }
func cursorKey(docID, userID string) string { return fmt.Sprintf(keyCursorFmt, docID, userID) }
func docsKey() string                       { return keyDocsSet }
