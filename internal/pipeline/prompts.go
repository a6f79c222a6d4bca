package pipeline

import (
	"fmt"
	"strings"
)

const systemPrompt = "You are a professional content writer producing well-structured markdown articles."

func researchPrompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Collect the key facts, angles and context needed to write about: %s\n", req.Topic)
	b.WriteString("Return a concise bullet list of findings a writer can work from.")
	return b.String()
}

func outlinePrompt(req Request, research string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Create a markdown outline for an article about: %s\n", req.Topic)
	if req.Style != "" {
		fmt.Fprintf(&b, "Style: %s\n", req.Style)
	}
	if req.Tone != "" {
		fmt.Fprintf(&b, "Tone: %s\n", req.Tone)
	}
	fmt.Fprintf(&b, "Target length: about %d words.\n", req.TargetWordCount)
	b.WriteString("Use section headings, include a conclusion section.\n\n")
	b.WriteString("Research notes:\n")
	b.WriteString(research)
	return b.String()
}

func draftPrompt(req Request, outline string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write a complete markdown article about: %s\n", req.Topic)
	if req.Style != "" {
		fmt.Fprintf(&b, "Style: %s\n", req.Style)
	}
	if req.Tone != "" {
		fmt.Fprintf(&b, "Tone: %s\n", req.Tone)
	}
	fmt.Fprintf(&b, "Target length: about %d words.\n", req.TargetWordCount)
	b.WriteString("Start with a title heading, use at least three section headings, end with a conclusion and a call to action.\n\n")
	b.WriteString("Outline:\n")
	b.WriteString(outline)
	return b.String()
}

// refinePrompt feeds the prior draft back with the evaluator's
// remediation instructions, verbatim.
func refinePrompt(req Request, draft string, feedback []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Revise the following markdown article about: %s\n", req.Topic)
	fmt.Fprintf(&b, "Target length: about %d words.\n", req.TargetWordCount)
	b.WriteString("Apply every instruction below and keep everything that already works.\n\nInstructions:\n")
	for _, f := range feedback {
		fmt.Fprintf(&b, "- %s\n", f)
	}
	b.WriteString("\nCurrent draft:\n")
	b.WriteString(draft)
	return b.String()
}
