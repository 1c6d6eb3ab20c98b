// Package describe renders the Italian product description and the prompt
// stored in the magic prompt metafield.
package describe

import (
	"fmt"
	"html"
	"regexp"
	"strings"

	"github.com/docutag/autofill/models"
)

// MaxBullets is the number of bullet points kept in a description
const MaxBullets = 6

type translation struct {
	from, to string
}

// Longer keys come first so "off white" wins over "white".
var (
	colorMap = []translation{
		{"antique white", "bianco antico"},
		{"off white", "bianco"},
		{"white", "bianco"},
		{"black", "nero"},
		{"navy", "blu navy"},
		{"blue", "blu"},
		{"red", "rosso"},
		{"green", "verde"},
		{"yellow", "giallo"},
		{"beige", "beige"},
		{"brown", "marrone"},
		{"pink", "rosa"},
		{"grey", "grigio"},
		{"gray", "grigio"},
	}
	materialMap = []translation{
		{"cotton", "cotone"},
		{"polyester", "poliestere"},
		{"polyster", "poliestere"},
		{"leather", "pelle"},
		{"wool", "lana"},
		{"linen", "lino"},
		{"viscose", "viscosa"},
		{"nylon", "nylon"},
		{"elastane", "elastan"},
		{"elastan", "elastan"},
		{"silk", "seta"},
		{"acrylic", "acrilico"},
		{"down", "piuma"},
		{"cashmere", "cashmere"},
	}

	fullComposition = regexp.MustCompile(`(?i)100\s*%\s*([a-z]+)`)
)

func translate(s string, table []translation) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return s
	}
	low := strings.ToLower(s)
	for _, t := range table {
		if strings.Contains(low, t.from) {
			return strings.TrimSpace(strings.ReplaceAll(low, t.from, t.to))
		}
	}
	return s
}

// ItalianColor translates the first English color name found in s.
// Strings without a known color are returned unchanged.
func ItalianColor(s string) string {
	return translate(s, colorMap)
}

// ItalianMaterial translates the first English material name found in s
func ItalianMaterial(s string) string {
	return translate(s, materialMap)
}

// Input holds everything the description is built from
type Input struct {
	Title         string
	Vendor        string
	ProductType   string
	Code          string
	ColorOverride string
	Evidence      *models.EvidencePage
}

// Build renders the description HTML: an emotional paragraph followed by a
// bullet list of at most MaxBullets entries. Evidence fields take precedence
// over catalog fields; ColorOverride takes precedence over both.
func Build(in Input) string {
	ev := in.Evidence
	if ev == nil {
		ev = &models.EvidencePage{}
	}

	title := firstNonEmpty(ev.StructuredTitle, in.Title)
	brand := firstNonEmpty(ev.StructuredBrand, in.Vendor)
	colorRaw, _ := ev.EffectiveColor()
	color := ItalianColor(firstNonEmpty(in.ColorOverride, colorRaw))
	materialRaw, _ := ev.EffectiveMaterial()
	material := ItalianMaterial(materialRaw)
	sleeve := strings.TrimSpace(ev.SleeveHint)

	var b strings.Builder
	fmt.Fprintf(&b, "Indossa %s", html.EscapeString(displayName(in.ProductType, title, in.Title)))
	if brand != "" {
		fmt.Fprintf(&b, " di %s", html.EscapeString(brand))
	}
	b.WriteString(" e scopri un equilibrio perfetto tra stile e comfort quotidiano.")
	if color != "" {
		fmt.Fprintf(&b, " La tonalità %s valorizza il tuo look.", html.EscapeString(color))
	}
	if material != "" {
		b.WriteString(" La composizione selezionata garantisce una mano piacevole e durata nel tempo.")
	}
	if sleeve != "" {
		fmt.Fprintf(&b, " Dettagli come %s completano l’insieme.", html.EscapeString(sleeve))
	}

	var bullets []string
	if color != "" {
		bullets = append(bullets, "Colore: "+html.EscapeString(color))
	}
	if material != "" {
		clean := fullComposition.ReplaceAllStringFunc(material, func(m string) string {
			return "100% " + ItalianMaterial(fullComposition.FindStringSubmatch(m)[1])
		})
		bullets = append(bullets, "Composizione: "+html.EscapeString(clean))
	}
	bullets = append(bullets,
		"Vestibilità confortevole e facile da abbinare",
		"Dettagli essenziali e finiture curate",
		"Ideale dal lavoro al tempo libero",
		"Cura: seguire le istruzioni in etichetta",
	)
	if code := strings.TrimSpace(in.Code); code != "" {
		bullets = append(bullets, "Codice articolo: "+html.EscapeString(code))
	}
	if len(bullets) > MaxBullets {
		bullets = bullets[:MaxBullets]
	}

	out := "<p>" + b.String() + "</p><ul>"
	for _, bullet := range bullets {
		out += "<li>" + bullet + "</li>"
	}
	return out + "</ul>"
}

// displayName joins product type and title, dropping the title when the type
// already contains it.
func displayName(productType, title, fallback string) string {
	productType = strings.TrimSpace(productType)
	var parts []string
	if productType != "" {
		parts = append(parts, productType)
	}
	if title != "" && (productType == "" || !strings.Contains(strings.ToLower(productType), strings.ToLower(title))) {
		parts = append(parts, title)
	}
	if len(parts) > 0 {
		return strings.Join(parts, " ")
	}
	if fallback = strings.TrimSpace(fallback); fallback != "" {
		return fallback
	}
	return "Capo"
}

// MagicPrompt returns the metafield prompt asking for an Italian description of sku
func MagicPrompt(sku string) string {
	sku = strings.TrimSpace(sku)
	if sku == "" {
		sku = "N/D"
	}
	return fmt.Sprintf("descrivi prodotto %s in italiano, con prima parte emozionale e seconda parte Bullet Point", sku)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
