package router

import (
	"fmt"
	"os"
	"strings"

	"github.com/JimStenstrom/claude-code-router/internal/adapters"
)

const envTag = "<env>"

// RewriteSystemPrompt replaces everything before the last <env> tag of the
// second system block with the contents of path. Requests without such a
// block are left alone.
func RewriteSystemPrompt(req *adapters.Request, path string) error {
	if len(req.System.Blocks) < 2 {
		return nil
	}
	block := &req.System.Blocks[1]
	if block.Type != adapters.BlockText {
		return nil
	}
	idx := strings.LastIndex(block.Text, envTag)
	if idx < 0 {
		return nil
	}
	prompt, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read system prompt: %w", err)
	}
	block.Text = string(prompt) + block.Text[idx:]
	return nil
}
