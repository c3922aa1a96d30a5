package utility

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/chargerudder/chargerudder/pkg/common"
	"github.com/chargerudder/chargerudder/pkg/log"
	"github.com/levenlabs/go-lflag"
	"github.com/shopspring/decimal"
	"golang.org/x/net/html"
)

var figureRe = regexp.MustCompile(`[0-9]+(?:[.,][0-9]+)?`)

// Retail scrapes the reference retail tariff page for per-kWh prices.
type Retail struct {
	pageURL string
	class   string
	client  *http.Client
}

// NewRetail returns a Retail that reads figures from elements carrying class.
func NewRetail(pageURL, class string, client *http.Client) *Retail {
	if client == nil {
		client = common.HTTPClient(0)
	}
	return &Retail{
		pageURL: pageURL,
		class:   class,
		client:  client,
	}
}

// ConfiguredRetail sets up flags for the retail page and returns the instance.
func ConfiguredRetail() *Retail {
	r := &Retail{}
	pageURL := lflag.String("retail-url", "https://www.essent.nl/dynamische-tarieven", "URL of the reference retail tariff page")
	class := lflag.String("retail-price-class", "price", "CSS class of the elements holding tariff figures")
	timeout := lflag.Duration("retail-timeout", 10*time.Second, "Timeout of the retail page request")

	lflag.Do(func() {
		r.pageURL = *pageURL
		r.class = *class
		r.client = common.HTTPClient(*timeout)
	})
	return r
}

// Validate ensures the configuration is valid.
func (r *Retail) Validate() error {
	if r.pageURL == "" {
		return fmt.Errorf("retail-url is required")
	}
	if _, err := url.Parse(r.pageURL); err != nil {
		return fmt.Errorf("failed to parse retail url (%s): %w", r.pageURL, err)
	}
	if r.class == "" {
		return fmt.Errorf("retail-price-class is required")
	}
	return nil
}

// Figures fetches the retail page and returns every tariff figure on it in
// document order.
func (r *Retail) Figures(ctx context.Context) ([]float64, error) {
	body, err := common.Fetch(ctx, r.client, r.pageURL, http.Header{"Accept": []string{"text/html"}})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch retail page: %w", err)
	}
	figures, err := ParseFigures(bytes.NewReader(body), r.class)
	if err != nil {
		return nil, err
	}
	log.Ctx(ctx).DebugContext(ctx, "scraped retail page", slog.Int("figures", len(figures)))
	return figures, nil
}

// ParseFigures returns the first number in the text of every element whose
// class list contains class.
func ParseFigures(rd io.Reader, class string) ([]float64, error) {
	doc, err := html.Parse(rd)
	if err != nil {
		return nil, fmt.Errorf("failed to parse retail page: %w", err)
	}

	var figures []float64
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && hasClass(n, class) {
			if f, ok := parseFigure(textContent(n)); ok {
				figures = append(figures, f)
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return figures, nil
}

func hasClass(n *html.Node, class string) bool {
	for _, a := range n.Attr {
		if a.Key != "class" {
			continue
		}
		for _, c := range strings.Fields(a.Val) {
			if c == class {
				return true
			}
		}
	}
	return false
}

func textContent(n *html.Node) string {
	var sb strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}

func parseFigure(text string) (float64, bool) {
	m := figureRe.FindString(text)
	if m == "" {
		return 0, false
	}
	d, err := decimal.NewFromString(strings.Replace(m, ",", ".", 1))
	if err != nil {
		return 0, false
	}
	return d.InexactFloat64(), true
}
