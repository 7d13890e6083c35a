// services/mailer.go
package services

import (
	"fmt"
	"log"
	"os"
	"time"

	mailjet "github.com/mailjet/mailjet-apiv3-go/v4"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Mailer sends the transactional notifications around challenge lifecycle
// changes. Sends are best-effort: a mail failure never blocks or rolls back a
// state transition.
type Mailer interface {
	SendChallengeActivated(toEmail, title string, amount int64, endDate time.Time)
	SendChallengeValidated(toEmail, title string, refundAmount float64, donated bool, associationName string)
	SendChallengeFailed(toEmail, title string, donationAmount float64, associationName string)
}

// NewMailerFromEnv returns the Mailjet mailer when API keys are configured,
// otherwise a no-op so the rest of the service works without email.
func NewMailerFromEnv() Mailer {
	pub := os.Getenv("MJ_APIKEY_PUBLIC")
	priv := os.Getenv("MJ_APIKEY_PRIVATE")
	if pub == "" || priv == "" {
		log.Println("⚠️ Mailjet API keys not set — transactional email disabled")
		return NoopMailer{}
	}
	from := os.Getenv("MAIL_FROM_ADDRESS")
	if from == "" {
		from = "no-reply@localhost"
	}
	fromName := os.Getenv("MAIL_FROM_NAME")
	if fromName == "" {
		fromName = "Challenge Pledge"
	}
	return &MailjetMailer{
		client:    mailjet.NewMailjetClient(pub, priv),
		fromEmail: from,
		fromName:  fromName,
		printer:   message.NewPrinter(language.French),
	}
}

type MailjetMailer struct {
	client    *mailjet.Client
	fromEmail string
	fromName  string
	printer   *message.Printer
}

func (m *MailjetMailer) SendChallengeActivated(toEmail, title string, amount int64, endDate time.Time) {
	m.send(toEmail,
		fmt.Sprintf("Votre défi « %s » est lancé", title),
		m.printer.Sprintf("Votre mise de %d € est confirmée. Vous avez jusqu'au %s pour réussir votre défi.",
			amount, endDate.Format("02/01/2006")))
}

func (m *MailjetMailer) SendChallengeValidated(toEmail, title string, refundAmount float64, donated bool, associationName string) {
	if donated {
		m.send(toEmail,
			fmt.Sprintf("Défi « %s » réussi — merci pour votre don", title),
			m.printer.Sprintf("Bravo ! Vous avez choisi de donner votre mise : %.2f € seront reversés à %s.",
				refundAmount, associationName))
		return
	}
	m.send(toEmail,
		fmt.Sprintf("Défi « %s » réussi", title),
		m.printer.Sprintf("Bravo ! Votre remboursement de %.2f € est en cours.", refundAmount))
}

func (m *MailjetMailer) SendChallengeFailed(toEmail, title string, donationAmount float64, associationName string) {
	m.send(toEmail,
		fmt.Sprintf("Défi « %s » non réussi", title),
		m.printer.Sprintf("Votre mise est transformée en don : %.2f € seront reversés à %s.",
			donationAmount, associationName))
}

func (m *MailjetMailer) send(toEmail, subject, body string) {
	if toEmail == "" {
		return
	}
	messages := mailjet.MessagesV31{
		Info: []mailjet.InfoMessagesV31{{
			From:     &mailjet.RecipientV31{Email: m.fromEmail, Name: m.fromName},
			To:       &mailjet.RecipientsV31{{Email: toEmail}},
			Subject:  subject,
			TextPart: body,
		}},
	}
	if _, err := m.client.SendMailV31(&messages); err != nil {
		log.Printf("⚠️ Failed to send email %q to %s: %v", subject, toEmail, err)
	}
}

// NoopMailer is used when no mail provider is configured, and in tests.
type NoopMailer struct{}

func (NoopMailer) SendChallengeActivated(string, string, int64, time.Time)      {}
func (NoopMailer) SendChallengeValidated(string, string, float64, bool, string) {}
func (NoopMailer) SendChallengeFailed(string, string, float64, string)          {}
