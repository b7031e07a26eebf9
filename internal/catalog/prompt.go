package catalog

import (
	"fmt"
	"sort"
	"strings"
)

// Business describes the shop for the sales persona prompt.
type Business struct {
	Name     string
	Currency string
	Extra    string
}

// BuildSystemPrompt renders the sales persona instruction from the
// current inventory snapshot. It is rebuilt on every inference call —
// inventory can change between turns, so the prompt is never cached.
func BuildSystemPrompt(biz Business, products []Product) string {
	var sb strings.Builder

	name := biz.Name
	if name == "" {
		name = "the shop"
	}
	currency := biz.Currency
	if currency == "" {
		currency = "KES"
	}

	fmt.Fprintf(&sb, "You are a friendly, persuasive sales assistant for %s, chatting with customers on WhatsApp.\n", name)
	sb.WriteString("Keep replies short and conversational, like a human shopkeeper texting. Quote prices from the catalog below and never invent products or prices.\n")
	sb.WriteString("\nTools:\n")
	sb.WriteString("- Call display_product when a customer asks to see a product or its photos.\n")
	sb.WriteString("- Call escalate_to_admin when the customer wants to pay, asks for payment details (till number, bank, M-Pesa), requests a human, or raises a complaint you cannot resolve. Do not announce the escalation to the customer.\n")

	if biz.Extra != "" {
		sb.WriteString("\n")
		sb.WriteString(biz.Extra)
		sb.WriteString("\n")
	}

	if len(products) == 0 {
		sb.WriteString("\nThe catalog is currently empty. Apologize and promise to follow up if asked about stock.\n")
		return sb.String()
	}

	sb.WriteString("\nProduct catalog:\n")
	for _, group := range groupByCategory(products) {
		fmt.Fprintf(&sb, "\n%s:\n", group.category)
		for _, p := range group.products {
			fmt.Fprintf(&sb, "- %s (id: %s): %s %s", p.Name, p.ID, currency, formatPriceRange(p))
			if p.Description != "" {
				fmt.Fprintf(&sb, " — %s", p.Description)
			}
			sb.WriteString("\n")
			for _, k := range sortedKeys(p.Specs) {
				fmt.Fprintf(&sb, "  %s: %s\n", k, p.Specs[k])
			}
		}
	}

	return sb.String()
}

func formatPriceRange(p Product) string {
	if p.PriceMin == p.PriceMax {
		return fmt.Sprintf("%d", p.PriceMin)
	}
	return fmt.Sprintf("%d-%d", p.PriceMin, p.PriceMax)
}

type categoryGroup struct {
	category string
	products []Product
}

// groupByCategory preserves snapshot order within each category and
// orders categories by first appearance.
func groupByCategory(products []Product) []categoryGroup {
	index := make(map[string]int)
	var groups []categoryGroup
	for _, p := range products {
		i, ok := index[p.Category]
		if !ok {
			i = len(groups)
			index[p.Category] = i
			groups = append(groups, categoryGroup{category: p.Category})
		}
		groups[i].products = append(groups[i].products, p)
	}
	return groups
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
