package extract

import (
	"net/url"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/sells-group/stagegate/internal/model"
	"github.com/sells-group/stagegate/internal/normalize"
)

var dateFields = []string{"date", "start_date", "end_date"}

func isImageField(field string) bool {
	return field == "image" || field == "image_url" || strings.HasSuffix(field, "_image")
}

func isLinkField(field string) bool {
	if isImageField(field) {
		return false
	}
	return field == "url" || field == "website" || field == "ticket_url" || strings.HasSuffix(field, "_url")
}

// extractPage applies every selector rule in cfg to doc. base is the page's
// own URL, used to make image and link values absolute.
func extractPage(doc *goquery.Document, base *url.URL, cfg *model.ScraperConfig) model.Record {
	fields := make([]string, 0, len(cfg.Selectors))
	for f := range cfg.Selectors {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	rec := make(model.Record, len(fields))
	for _, field := range fields {
		if v := applyRule(doc.Selection, base, field, cfg.Selectors[field]); v != nil {
			rec[field] = v
		}
	}
	finishRecord(rec, normalize.ParseDateFormat(cfg.DateFormat))
	return rec
}

// finishRecord renames the image alias and drops dates that do not validate.
func finishRecord(rec model.Record, format normalize.DateFormat) {
	if v, ok := rec["image"]; ok {
		if _, has := rec["image_url"]; !has {
			rec["image_url"] = v
		}
		delete(rec, "image")
	}
	for _, f := range dateFields {
		v, ok := rec[f]
		if !ok {
			continue
		}
		s, isString := v.(string)
		if !isString {
			delete(rec, f)
			continue
		}
		if canonical, valid := normalize.ValidateDate(s, format); valid {
			rec[f] = canonical
		} else {
			delete(rec, f)
		}
	}
}

func applyRule(root *goquery.Selection, base *url.URL, field string, rule model.Rule) any {
	if rule.IsMap() {
		return applyMapRule(root, base, rule)
	}
	if rule.Selector == "" {
		return nil
	}
	sel := root.Find(rule.Selector)
	if sel.Length() == 0 {
		return nil
	}

	if rule.Multiple {
		var vals []string
		seen := make(map[string]struct{})
		sel.Each(func(_ int, s *goquery.Selection) {
			v := selectionValue(s, base, field, rule.Attr)
			if v == "" {
				return
			}
			if _, dup := seen[v]; dup {
				return
			}
			seen[v] = struct{}{}
			vals = append(vals, v)
		})
		if len(vals) == 0 {
			return nil
		}
		return vals
	}

	var out string
	sel.EachWithBreak(func(_ int, s *goquery.Selection) bool {
		out = selectionValue(s, base, field, rule.Attr)
		return out == ""
	})
	if out == "" {
		return nil
	}
	return out
}

// applyMapRule builds platform → absolute URL, e.g. social links.
func applyMapRule(root *goquery.Selection, base *url.URL, rule model.Rule) any {
	platforms := make([]string, 0, len(rule.Map))
	for p := range rule.Map {
		platforms = append(platforms, p)
	}
	sort.Strings(platforms)

	out := make(map[string]any, len(platforms))
	for _, p := range platforms {
		sub := rule.Map[p]
		if sub.Selector == "" {
			continue
		}
		attr := sub.Attr
		if attr == "" {
			attr = "href"
		}
		var link string
		root.Find(sub.Selector).EachWithBreak(func(_ int, s *goquery.Selection) bool {
			if v, ok := s.Attr(attr); ok {
				link = resolve(base, v)
			}
			return link == ""
		})
		if link != "" {
			out[p] = link
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// selectionValue reads one element. Image fields read src or data-src, link
// fields read href, an explicit attr wins over both, and everything else is
// the element's cleaned text.
func selectionValue(s *goquery.Selection, base *url.URL, field, attr string) string {
	switch {
	case attr != "":
		v, ok := s.Attr(attr)
		if !ok {
			return ""
		}
		if attr == "href" || attr == "src" || attr == "data-src" || isImageField(field) || isLinkField(field) {
			return resolve(base, v)
		}
		return normalize.CleanText(v)
	case isImageField(field):
		return resolve(base, imageSource(s))
	case isLinkField(field):
		v, ok := s.Attr("href")
		if !ok {
			v, _ = s.Find("a[href]").First().Attr("href")
		}
		return resolve(base, v)
	default:
		return normalize.CleanText(s.Text())
	}
}

// imageSource prefers a real src, falling back to lazy-load data-src and
// to the first nested img.
func imageSource(s *goquery.Selection) string {
	img := s
	if goquery.NodeName(s) != "img" {
		if nested := s.Find("img").First(); nested.Length() > 0 {
			img = nested
		}
	}
	src, _ := img.Attr("src")
	src = strings.TrimSpace(src)
	if src == "" || strings.HasPrefix(src, "data:") {
		if lazy, ok := img.Attr("data-src"); ok {
			return strings.TrimSpace(lazy)
		}
	}
	return src
}

// resolve makes ref absolute against base. Non-http(s) results and
// fragment-only references come back empty.
func resolve(base *url.URL, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "#") {
		return ""
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	if base != nil {
		u = base.ResolveReference(u)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	u.Fragment = ""
	return u.String()
}
