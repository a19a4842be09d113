package util

import (
	"math/rand/v2"
	"strings"

	"github.com/google/uuid"
)

// GenerateRandomID returns prefix followed by hexLength random hex digits. Not for secrets.
func GenerateRandomID(prefix string, hexLength int) string {
	return prefix + GenerateRandomHex(hexLength)
}

// GenerateRandomHex returns length random hex digits.
func GenerateRandomHex(length int) string {
	if length <= 0 {
		return ""
	}
	const hexChars = "0123456789abcdef"
	var builder strings.Builder
	builder.Grow(length)
	for i := 0; i < length; i++ {
		builder.WriteByte(hexChars[rand.IntN(16)])
	}
	return builder.String()
}

// conversationNamespace scopes name-based conversation ids.
var conversationNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/BTreeMap/OnboardPipe/conversations"))

// NewConversationID returns a random conversation id.
func NewConversationID() string {
	return uuid.NewString()
}

// ChannelConversationID derives a stable conversation id for one sender on one channel and flow,
// so a returning user resumes where they left off.
func ChannelConversationID(channel, address, flowSlug string) string {
	return uuid.NewSHA1(conversationNamespace, []byte(channel+"\x00"+address+"\x00"+flowSlug)).String()
}
