package capture

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Injection is the structured form of an ad-injection directive: a named
// script template plus its typed parameters. The legacy string encoding
// ("bookmarklet:name:key=val,...") is parsed into this form at ingestion.
type Injection struct {
	Template string            `json:"template"`
	Params   map[string]string `json:"params,omitempty"`
}

const bookmarkletScheme = "bookmarklet:"

// ParseSelector splits a record selector into the plain CSS selector and an
// optional injection directive. Selectors carrying the bookmarklet scheme
// yield a nil CSS selector unless the directive names one in its parameters.
func ParseSelector(selector string) (string, *Injection, error) {
	if !strings.HasPrefix(selector, bookmarkletScheme) {
		return selector, nil, nil
	}
	rest := strings.TrimPrefix(selector, bookmarkletScheme)
	name, rawParams, _ := strings.Cut(rest, ":")
	name = strings.TrimSpace(name)
	if name == "" {
		return "", nil, fmt.Errorf("bookmarklet directive %q has no template name", selector)
	}
	inj := &Injection{Template: name, Params: map[string]string{}}
	if rawParams != "" {
		for _, pair := range strings.Split(rawParams, ",") {
			key, val, ok := strings.Cut(pair, "=")
			if !ok {
				return "", nil, fmt.Errorf("bookmarklet parameter %q is not key=value", pair)
			}
			inj.Params[strings.TrimSpace(key)] = strings.TrimSpace(val)
		}
	}
	return inj.Params["selector"], inj, nil
}

// NormalizeRecord resolves the legacy selector encoding on a record into the
// structured Injection field. Records that already carry a structured
// injection are returned unchanged.
func NormalizeRecord(record AdRecord) (AdRecord, error) {
	if record.Injection != nil {
		return record, nil
	}
	selector, inj, err := ParseSelector(record.Selector)
	if err != nil {
		return record, NewError(ClassParsing, err)
	}
	if inj != nil {
		record.Selector = selector
		record.Injection = inj
	}
	return record, nil
}

// Script renders the injection into an in-page expression that invokes the
// named template with its parameters. Remote templates are expected to be
// registered on the page under window.__adcapture.templates.
func (i *Injection) Script() string {
	params, err := json.Marshal(i.Params)
	if err != nil {
		params = []byte("{}")
	}
	return fmt.Sprintf(
		`(function(){var t=(window.__adcapture&&window.__adcapture.templates)||{};var fn=t[%q];if(typeof fn!=="function"){return false;}fn(%s);return true;})()`,
		i.Template, params,
	)
}

// RenderProbeScript returns an expression that reports whether injected ad
// content has rendered near the selector: non-trivial injected markup, a
// video element, or a known third-party iframe.
func RenderProbeScript(selector string) string {
	sel, err := json.Marshal(selector)
	if err != nil {
		sel = []byte(`""`)
	}
	return fmt.Sprintf(`(function(){
var root=document.querySelector(%s)||document.body;
if(!root){return false;}
if(root.querySelector("video")){return true;}
var frames=root.querySelectorAll("iframe");
for(var i=0;i<frames.length;i++){
  var src=frames[i].src||"";
  if(/doubleclick|googlesyndication|adnxs|adsystem|adsafeprotected/.test(src)){return true;}
}
return root.innerHTML.replace(/\s+/g,"").length>64;
})()`, sel)
}
