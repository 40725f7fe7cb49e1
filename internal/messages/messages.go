// Package messages holds every user-visible string in one place so a
// deployment can swap in another language by editing a single file.
package messages

import "fmt"

const (
	ErrNotSupergroup = "⚠️ This bot can only work in supergroups. Please convert the group to a supergroup in its settings."

	ChallengeExpired   = "This challenge is no longer valid!"
	ChallengeNotForYou = "This challenge is not for you!"
	InvalidCallback    = "Invalid answer format!"
	GenericError       = "Sorry, something went wrong!"

	WrongAnswer        = "❌ Wrong answer, try again!"
	MaxAttemptsReached = "❌ Maximum number of attempts reached. The user has been removed from the chat."

	SpamRemoved = "🚫 User removed for sending advertising/spam"
)

func WelcomeChallenge(userMention, question string) string {
	return fmt.Sprintf("Welcome, %s! To get access to the chat, answer a simple question:\n<b>%s</b>\nYou have 3 minutes.", userMention, question)
}

func ChallengeCorrect(chatTitle, userMention string) string {
	return fmt.Sprintf("✅ Correct! Welcome to %s, %s!", chatTitle, userMention)
}

func WrongAnswerWithAttempts(remaining int) string {
	return fmt.Sprintf("❌ Wrong answer! Attempts left: %d", remaining)
}
