package digest

import "strings"

var intros = map[string]string{
	"en": "What people talked about on the radio today.",
	"he": "על מה אנשים דיברו ברדיו היום.",
	"de": "Worüber die Leute heute im Radio gesprochen haben.",
	"it": "Di cosa hanno parlato le persone alla radio oggi.",
	"sp": "De qué habló la gente en la radio hoy.",
	"fr": "De quoi les gens ont parlé à la radio aujourd'hui.",
	"ru": "О чем люди говорили по радио сегодня.",
}

// Intro returns the digest opening line for lang. Unknown languages get
// English; ok reports whether lang was known.
func Intro(lang string) (intro string, ok bool) {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if lang == "es" {
		lang = "sp"
	}
	if s, found := intros[lang]; found {
		return s, true
	}
	return intros["en"], false
}

// Compose formats the notification: the intro, a blank line, then the
// channel name in bold followed by the summary.
func Compose(intro, name, summary string) string {
	var b strings.Builder
	b.WriteString(intro)
	b.WriteString("\n\n*")
	b.WriteString(name)
	b.WriteString("* - ")
	b.WriteString(strings.TrimSpace(summary))
	return strings.TrimSpace(b.String())
}
