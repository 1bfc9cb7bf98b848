package email

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"go.uber.org/zap"
)

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

type SMTPNotifier struct {
	host   string
	port   int
	from   string
	send   sendFunc
	logger *zap.Logger
}

func NewSMTPNotifier(host string, port int, from string, logger *zap.Logger) *SMTPNotifier {
	return &SMTPNotifier{host: host, port: port, from: from, send: smtp.SendMail, logger: logger}
}

func (n *SMTPNotifier) NotifyFailure(_ context.Context, userEmail, jobID string, videoKeys []string, errorMsg string) error {
	addr := fmt.Sprintf("%s:%d", n.host, n.port)

	err := n.send(addr, nil, n.from, []string{userEmail}, failureMessage(n.from, userEmail, jobID, videoKeys, errorMsg))
	if err != nil {
		n.logger.Error("failed to send failure notification email",
			zap.String("to", userEmail),
			zap.String("job_id", jobID),
			zap.Error(err),
		)
		return fmt.Errorf("send email: %w", err)
	}

	n.logger.Info("failure notification email sent",
		zap.String("to", userEmail),
		zap.String("job_id", jobID),
	)
	return nil
}

func failureMessage(from, to, jobID string, videoKeys []string, errorMsg string) []byte {
	subject := fmt.Sprintf("FIAP X - Dataset Harvest Failed [Job %s]", jobID)
	body := fmt.Sprintf(
		"Hello,\r\n\r\n"+
			"Your dataset harvest job has permanently failed after all retry attempts.\r\n\r\n"+
			"Job ID: %s\r\n"+
			"Videos:\r\n  %s\r\n"+
			"Error: %s\r\n\r\n"+
			"Archives already uploaded for finished videos are kept. "+
			"Please submit the job again or contact support.\r\n\r\n"+
			"-- FIAP X Harvester Service",
		jobID, strings.Join(videoKeys, "\r\n  "), errorMsg,
	)

	return []byte(fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s", from, to, subject, body))
}
