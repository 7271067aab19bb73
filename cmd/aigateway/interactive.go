package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/langdb/aigateway/internal/pricing"
	"github.com/langdb/aigateway/internal/schema"
	"github.com/langdb/aigateway/internal/services/routing"
)

// runInteractive reads prompts from stdin and streams completions from
// the first chat-capable catalog model. `/model <id>` switches models,
// `/reset` clears history.
func runInteractive(ctx context.Context, orchestrator *routing.Router, catalog *pricing.Catalog) {
	model := defaultChatModel(catalog)
	if model == "" {
		fmt.Fprintln(os.Stderr, "interactive: no completion model in catalog")
		return
	}

	fmt.Printf("Interactive mode, model %s. Type a prompt, /model <id>, or /reset.\n", model)

	var history []schema.Message
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch {
		case line == "/reset":
			history = nil
			continue
		case strings.HasPrefix(line, "/model "):
			model = strings.TrimSpace(strings.TrimPrefix(line, "/model "))
			history = nil
			fmt.Printf("Switched to %s\n", model)
			continue
		}

		history = append(history, schema.Message{Role: "user", Content: line})
		events, _, err := orchestrator.ChatCompletionStream(ctx, &schema.ChatRequest{
			Model:    model,
			Stream:   true,
			Messages: history,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			history = history[:len(history)-1]
			continue
		}

		var reply strings.Builder
		for event := range events {
			if event.Err != nil {
				fmt.Fprintf(os.Stderr, "\nerror: %v\n", event.Err)
				break
			}
			for _, choice := range event.Chunk.Choices {
				fmt.Print(choice.Delta.Content)
				reply.WriteString(choice.Delta.Content)
			}
		}
		fmt.Println()

		if reply.Len() > 0 {
			history = append(history, schema.Message{Role: "assistant", Content: reply.String()})
		}
	}
}

func defaultChatModel(catalog *pricing.Catalog) string {
	for _, model := range catalog.Models() {
		if model.Price.Type == pricing.PriceCompletion {
			return model.Model
		}
	}
	return ""
}
