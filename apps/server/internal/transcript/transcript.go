// Package transcript renders a session's conversations as a PDF.
package transcript

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"bazaar-lite/bazaar"

	"github.com/jung-kurt/gofpdf"
)

// Document is what gets printed.
type Document struct {
	SessionID   string
	World       bazaar.World
	Turns       int
	GeneratedAt time.Time
}

func Render(w io.Writer, doc Document) error {
	pdf := gofpdf.New("P", "mm", "A4", "")
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.SetTitle("Bazaar transcript "+doc.SessionID, true)
	pdf.SetMargins(18, 18, 18)
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 18)
	pdf.Cell(0, 10, tr("Bazaar Transcript"))
	pdf.Ln(12)

	pdf.SetFont("Helvetica", "", 10)
	for _, line := range summaryLines(doc) {
		pdf.Cell(0, 6, tr(line))
		pdf.Ln(6)
	}

	wrote := false
	for _, npc := range doc.World.NPCs {
		if len(npc.Transcript) == 0 {
			continue
		}
		wrote = true
		pdf.Ln(4)
		pdf.SetFont("Helvetica", "B", 13)
		pdf.Cell(0, 8, tr(fmt.Sprintf("%s (%s, %s)", npc.Name, npc.Role, npc.Mood)))
		pdf.Ln(9)
		for _, line := range npc.Transcript {
			style := ""
			if strings.HasPrefix(line, "Player:") {
				style = "I"
			}
			pdf.SetFont("Helvetica", style, 10)
			pdf.MultiCell(0, 5, tr(line), "", "L", false)
		}
	}
	if !wrote {
		pdf.Ln(4)
		pdf.SetFont("Helvetica", "I", 10)
		pdf.Cell(0, 6, "No conversations yet.")
		pdf.Ln(6)
	}
	return pdf.Output(w)
}

func summaryLines(doc Document) []string {
	p := doc.World.Player
	lines := []string{
		"Session: " + doc.SessionID,
		"Generated: " + doc.GeneratedAt.UTC().Format(time.RFC1123),
		fmt.Sprintf("Turns: %d    Time of day: %s", doc.Turns, doc.World.TimeOfDay),
		fmt.Sprintf("Gold: %d    Reputation: %.2f", p.Gold, p.Reputation),
		"Inventory: " + inventoryLine(p.Inventory),
	}
	if obj := doc.World.Objective; obj != nil {
		lines = append(lines, "Current objective: "+obj.Title)
	}
	if len(doc.World.Completed) > 0 {
		lines = append(lines, "Completed: "+strings.Join(doc.World.Completed, ", "))
	}
	return lines
}

func inventoryLine(inv map[string]int) string {
	if len(inv) == 0 {
		return "empty"
	}
	items := make([]string, 0, len(inv))
	for item := range inv {
		items = append(items, item)
	}
	sort.Strings(items)
	parts := make([]string, 0, len(items))
	for _, item := range items {
		parts = append(parts, fmt.Sprintf("%s x%d", item, inv[item]))
	}
	return strings.Join(parts, ", ")
}
