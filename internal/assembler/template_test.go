package assembler

import "testing"

func TestTemplate_PlaceholderSubstitution(t *testing.T) {
	tmpl := NewTemplate()
	got := tmpl.Render("Context: {topic}.", map[string]string{"topic": "invoices"})
	want := "Context: invoices."
	if got != want {
		t.Errorf("Render() = %q, want %q", got, want)
	}
}

func TestTemplate_UnknownPlaceholderLeftVerbatim(t *testing.T) {
	tmpl := NewTemplate()
	got := tmpl.Render("{unknown}", map[string]string{})
	if got != "{unknown}" {
		t.Errorf("Render() = %q, want literal %q", got, "{unknown}")
	}
}

func TestTemplate_BangCommand(t *testing.T) {
	tmpl := NewTemplate()
	got := tmpl.Render("Selection: !selected_text", map[string]string{"selected_text": "hello world"})
	want := "Selection: hello world"
	if got != want {
		t.Errorf("Render() = %q, want %q", got, want)
	}
}

func TestTemplate_UnknownBangLeftVerbatim(t *testing.T) {
	tmpl := NewTemplate()
	got := tmpl.Render("!nope", map[string]string{})
	if got != "!nope" {
		t.Errorf("Render() = %q, want literal %q", got, "!nope")
	}
}

func TestTemplate_CustomCommand(t *testing.T) {
	tmpl := NewTemplate().WithCommand("shout", func(ctx map[string]string) string { return "LOUD" })
	got := tmpl.Render("!shout!", map[string]string{})
	if got != "LOUD!" {
		t.Errorf("Render() = %q, want %q", got, "LOUD!")
	}
}
