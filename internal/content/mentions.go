package content

import (
	"strings"

	"studyhall/internal/models"
)

// ResolveMentions maps @tokens in the text to registered identities by
// comparing each identity's first name, lowercased, against the token
// set. The sender never resolves, even when self-mentioned. Identities
// sharing a first name all resolve; no disambiguation is attempted.
func ResolveMentions(text string, senderUserName string, identities []models.User) []models.User {
	tokens := Mentions(text)
	if len(tokens) == 0 {
		return nil
	}

	var targets []models.User
	for _, identity := range identities {
		if identity.UserName == senderUserName {
			continue
		}
		if tokens[strings.ToLower(identity.FirstName())] {
			targets = append(targets, identity)
		}
	}
	return targets
}
