package render

import (
	"fmt"
	"math/rand"
	"strings"

	"github.com/google/uuid"
	"github.com/leadpipe/drip"
)

// Renderer turns a template and a lead into a ready-to-send message. The
// text-mutation hooks are injected pure functions; defaults are a basic
// spintax resolver and identity stylometry.
type Renderer struct {
	Hostname string

	// Spintax resolves {a|b|c} alternatives. Defaults to ResolveSpintax.
	Spintax func(string) string
	// Stylometry applies stylometric variation at the given level.
	// Defaults to identity.
	Stylometry func(text string, level int) string
	// Tracking injects open/click instrumentation into the html.
	// Defaults to identity.
	Tracking func(html, leadID, campaignID string) string

	StylometryLevel int
}

func New(hostname string) *Renderer {
	return &Renderer{Hostname: hostname}
}

// Render produces the message for one lead: merge tags, spintax, stylometric
// variation, tracking injection and the unsubscribe footer, plus a fresh
// message-id.
func (r *Renderer) Render(lead *drip.Lead, subject, html, campaignID string) *drip.Message {
	subject = r.merge(lead, subject)
	html = r.merge(lead, html)

	spin := r.Spintax
	if spin == nil {
		spin = ResolveSpintax
	}
	subject = spin(subject)
	html = spin(html)

	if r.Stylometry != nil {
		html = r.Stylometry(html, r.StylometryLevel)
	}
	if r.Tracking != nil {
		html = r.Tracking(html, lead.ID, campaignID)
	}

	html += r.unsubscribeFooter(lead)

	return &drip.Message{
		To:        drip.Address{Name: lead.Name, Email: lead.Email},
		Subject:   subject,
		HTML:      html,
		MessageID: NewMessageID(r.Hostname),
		Headers:   map[string]string{},
	}
}

func (r *Renderer) merge(lead *drip.Lead, text string) string {
	return strings.NewReplacer(
		"{{name}}", lead.Name,
		"{{email}}", lead.Email,
		"{{field}}", lead.Field,
		"{{website}}", lead.Website,
		"{{problem}}", lead.Problem,
	).Replace(text)
}

func (r *Renderer) unsubscribeFooter(lead *drip.Lead) string {
	return fmt.Sprintf(
		`<br><br><p style="font-size:11px;color:#999">Don't want these emails? <a href="https://%s/u/%s">Unsubscribe</a>.</p>`,
		r.Hostname, lead.ID,
	)
}

// NewMessageID mints an RFC-style message-id bound to this host.
func NewMessageID(hostname string) string {
	return fmt.Sprintf("<%s@%s>", uuid.New().String(), hostname)
}

// ResolveSpintax picks a random alternative for every {a|b|c} group,
// innermost groups first.
func ResolveSpintax(text string) string {
	for {
		open, close := innermostGroup(text)
		if open < 0 {
			return text
		}
		options := strings.Split(text[open+1:close], "|")
		text = text[:open] + options[rand.Intn(len(options))] + text[close+1:]
	}
}

func innermostGroup(text string) (int, int) {
	open := -1
	for i, r := range text {
		switch r {
		case '{':
			open = i
		case '}':
			if open >= 0 && strings.ContainsRune(text[open:i], '|') {
				return open, i
			}
			open = -1
		}
	}
	return -1, -1
}

// PickVariant chooses a weighted A/B variant, or the campaign's default
// subject/body when no variants are configured.
func PickVariant(c *drip.Campaign) (subject, html string) {
	if len(c.Variants) == 0 {
		return c.Subject, c.BodyHTML
	}
	total := 0
	for _, v := range c.Variants {
		if v.Weight > 0 {
			total += v.Weight
		}
	}
	if total == 0 {
		v := c.Variants[rand.Intn(len(c.Variants))]
		return v.Subject, v.BodyHTML
	}
	n := rand.Intn(total)
	for _, v := range c.Variants {
		if v.Weight <= 0 {
			continue
		}
		n -= v.Weight
		if n < 0 {
			return v.Subject, v.BodyHTML
		}
	}
	return c.Subject, c.BodyHTML
}
