// Package snspush publishes notifications to an Amazon SNS topic.
package snspush

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"

	"termin-notifier/notify"
)

// SNS subjects are ASCII only and shorter than 100 characters.
const maxSubject = 99

// Publisher is the subset of *sns.Client the presenter uses.
type Publisher interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// NewClient builds an SNS client from the default AWS credential chain.
func NewClient(ctx context.Context, region string) (*sns.Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return sns.NewFromConfig(cfg), nil
}

// Presenter publishes each notification to one topic.
type Presenter struct {
	client   Publisher
	topicARN string
	logger   *slog.Logger
}

// NewPresenter creates an SNS presenter. Without a topic the presenter
// reports permission as denied.
func NewPresenter(client Publisher, topicARN string, logger *slog.Logger) *Presenter {
	return &Presenter{client: client, topicARN: topicARN, logger: logger}
}

func (p *Presenter) Supported() bool { return p.client != nil }

func (p *Presenter) Permission() notify.Permission {
	if p.topicARN == "" {
		return notify.PermissionDenied
	}
	return notify.PermissionGranted
}

func (p *Presenter) RequestPermission(context.Context) (notify.Permission, error) {
	return p.Permission(), nil
}

// Show publishes n with its tag and kind as message attributes.
func (p *Presenter) Show(ctx context.Context, n notify.Notification) error {
	msg := n.Title + "\n\n" + n.Body
	if n.URL != "" {
		msg += "\n\n" + n.URL
	}

	attrs := map[string]types.MessageAttributeValue{
		"tag":  {DataType: aws.String("String"), StringValue: aws.String(n.Tag)},
		"kind": {DataType: aws.String("String"), StringValue: aws.String(string(n.Kind))},
	}
	if n.URL != "" {
		attrs["url"] = types.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(n.URL)}
	}

	input := &sns.PublishInput{
		TopicArn:          aws.String(p.topicARN),
		Message:           aws.String(msg),
		MessageAttributes: attrs,
	}
	if subject := asciiSubject(n.Title); subject != "" {
		input.Subject = aws.String(subject)
	}

	out, err := p.client.Publish(ctx, input)
	if err != nil {
		return fmt.Errorf("publish %s: %w", n.Tag, err)
	}
	p.logger.Debug("SNS notification published", "tag", n.Tag, "message_id", aws.ToString(out.MessageId))
	return nil
}

// Dismiss is a no-op; published messages cannot be withdrawn.
func (p *Presenter) Dismiss(context.Context, string) error {
	return nil
}

var umlauts = strings.NewReplacer("ä", "ae", "ö", "oe", "ü", "ue", "Ä", "Ae", "Ö", "Oe", "Ü", "Ue", "ß", "ss")

// asciiSubject transliterates German umlauts and drops everything else SNS
// rejects in a subject.
func asciiSubject(title string) string {
	var b strings.Builder
	for _, r := range umlauts.Replace(title) {
		switch {
		case r >= 32 && r < 127:
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteByte(' ')
		}
	}
	s := strings.Join(strings.Fields(b.String()), " ")
	if len(s) > maxSubject {
		s = strings.TrimSpace(s[:maxSubject])
	}
	return s
}
