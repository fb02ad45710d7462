package voice

import "regexp"

var elaborationPattern = regexp.MustCompile(`(?i)\b(tell me more|explain|elaborate|go on|what do you mean|give me (some )?advice|what should i do)\b`)

// IsElaborationRequest reports whether text asks the agent to say more than
// its pools allow. Such requests are answered with CannotElaborate.
func IsElaborationRequest(text string) bool {
	return elaborationPattern.MatchString(text)
}
