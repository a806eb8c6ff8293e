// Package email sends transactional mail over SMTP: signup verification,
// password reset, and grade-posted notifications.
package email

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"
)

const (
	appName      = "Redpen"
	mimeBoundary = "boundary-redpen"
	textFallback = "Please view this email in an HTML-capable email client."
)

var ErrNotConfigured = errors.New("email not configured")

type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
}

type Service struct {
	config Config
	server string
	auth   smtp.Auth
}

func NewService(config Config) *Service {
	return &Service{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   smtp.PlainAuth("", config.Username, config.Password, config.Host),
	}
}

// IsConfigured reports whether enough SMTP settings are present to send.
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

func (s *Service) fromHeader() string {
	if s.config.FromName != "" {
		return fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}
	return s.config.From
}

// SendHTMLEmail sends a multipart/alternative message with a plain text
// fallback part.
func (s *Service) SendHTMLEmail(to []string, subject, htmlBody string) error {
	if !s.IsConfigured() {
		return ErrNotConfigured
	}

	var msg bytes.Buffer
	writeHeader(&msg, "To", strings.Join(to, ", "))
	writeHeader(&msg, "From", s.fromHeader())
	writeHeader(&msg, "Subject", subject)
	writeHeader(&msg, "MIME-Version", "1.0")
	writeHeader(&msg, "Content-Type", fmt.Sprintf("multipart/alternative; boundary=%q", mimeBoundary))
	msg.WriteString("\r\n")

	writePart(&msg, "text/plain; charset=UTF-8", textFallback)
	writePart(&msg, "text/html; charset=UTF-8", htmlBody)
	fmt.Fprintf(&msg, "--%s--\r\n", mimeBoundary)

	return smtp.SendMail(s.server, s.auth, s.config.From, to, msg.Bytes())
}

func writeHeader(msg *bytes.Buffer, name, value string) {
	fmt.Fprintf(msg, "%s: %s\r\n", name, value)
}

func writePart(msg *bytes.Buffer, contentType, body string) {
	fmt.Fprintf(msg, "--%s\r\n", mimeBoundary)
	writeHeader(msg, "Content-Type", contentType)
	msg.WriteString("\r\n")
	msg.WriteString(body)
	msg.WriteString("\r\n\r\n")
}

var emailTemplates = template.Must(template.New("verification").Parse(verificationEmailTemplate))

func init() {
	template.Must(emailTemplates.New("password_reset").Parse(passwordResetEmailTemplate))
	template.Must(emailTemplates.New("grade_posted").Parse(gradePostedEmailTemplate))
}

func render(name string, data any) (string, error) {
	var buf bytes.Buffer
	if err := emailTemplates.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("render %s template: %w", name, err)
	}
	return buf.String(), nil
}

type VerificationData struct {
	AppName         string
	UserName        string
	VerificationURL string
}

type PasswordResetData struct {
	AppName  string
	UserName string
	ResetURL string
}

type GradePostedData struct {
	AppName         string
	StudentName     string
	AssignmentTitle string
	Score           string
	ReviewURL       string
}

func (s *Service) SendVerificationEmail(to, userName, verificationURL string) error {
	html, err := render("verification", VerificationData{
		AppName:         appName,
		UserName:        userName,
		VerificationURL: verificationURL,
	})
	if err != nil {
		return err
	}
	return s.SendHTMLEmail([]string{to}, "Verify your Redpen account", html)
}

func (s *Service) SendPasswordResetEmail(to, userName, resetURL string) error {
	html, err := render("password_reset", PasswordResetData{
		AppName:  appName,
		UserName: userName,
		ResetURL: resetURL,
	})
	if err != nil {
		return err
	}
	return s.SendHTMLEmail([]string{to}, "Reset your Redpen password", html)
}

// SendGradePostedEmail notifies a student that their review was finalized.
func (s *Service) SendGradePostedEmail(to, studentName, assignmentTitle, score, reviewURL string) error {
	html, err := render("grade_posted", GradePostedData{
		AppName:         appName,
		StudentName:     studentName,
		AssignmentTitle: assignmentTitle,
		Score:           score,
		ReviewURL:       reviewURL,
	})
	if err != nil {
		return err
	}
	subject := fmt.Sprintf("Your grade for %q is ready", assignmentTitle)
	return s.SendHTMLEmail([]string{to}, subject, html)
}

const verificationEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Verify your {{.AppName}} account</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #c0392b; padding-bottom: 10px; margin-bottom: 20px; }
        .button { display: inline-block; padding: 12px 24px; background: #c0392b; color: white; text-decoration: none; border-radius: 4px; margin: 20px 0; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
        .link { word-break: break-all; color: #c0392b; }
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>

    <h2>Welcome, {{.UserName}}!</h2>

    <p>Thank you for signing up. Please verify your email address to activate your account.</p>

    <p>
        <a href="{{.VerificationURL}}" class="button">Verify Email Address</a>
    </p>

    <p>Or copy and paste this link into your browser:</p>
    <p class="link">{{.VerificationURL}}</p>

    <p>This verification link will expire in 24 hours.</p>

    <div class="footer">
        <p>If you didn't create an account with {{.AppName}}, you can safely ignore this email.</p>
    </div>
</body>
</html>`

const passwordResetEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Reset your {{.AppName}} password</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #c0392b; padding-bottom: 10px; margin-bottom: 20px; }
        .button { display: inline-block; padding: 12px 24px; background: #c0392b; color: white; text-decoration: none; border-radius: 4px; margin: 20px 0; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
        .link { word-break: break-all; color: #c0392b; }
        .warning { background: #fff3cd; padding: 12px; border-radius: 4px; margin: 20px 0; }
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>

    <h2>Password Reset Request</h2>

    <p>Hi {{.UserName}},</p>

    <p>We received a request to reset your password. Click the button below to create a new password:</p>

    <p>
        <a href="{{.ResetURL}}" class="button">Reset Password</a>
    </p>

    <p>Or copy and paste this link into your browser:</p>
    <p class="link">{{.ResetURL}}</p>

    <div class="warning">
        <strong>Important:</strong> This reset link will expire in 1 hour.
    </div>

    <div class="footer">
        <p>If you didn't request a password reset, you can safely ignore this email. Your password will remain unchanged.</p>
    </div>
</body>
</html>`

const gradePostedEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Your grade is ready</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #c0392b; padding-bottom: 10px; margin-bottom: 20px; }
        .button { display: inline-block; padding: 12px 24px; background: #c0392b; color: white; text-decoration: none; border-radius: 4px; margin: 20px 0; }
        .score { font-size: 24px; font-weight: bold; color: #c0392b; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>

    <h2>Hi {{.StudentName}},</h2>

    <p>Your submission for <strong>{{.AssignmentTitle}}</strong> has been graded.</p>

    <p class="score">Score: {{.Score}}</p>

    <p>
        <a href="{{.ReviewURL}}" class="button">View Feedback</a>
    </p>

    <div class="footer">
        <p>You received this email because a grader finalized feedback on your {{.AppName}} submission.</p>
    </div>
</body>
</html>`
