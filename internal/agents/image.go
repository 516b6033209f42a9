package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/JimStenstrom/claude-code-router/internal/adapters"
	"github.com/JimStenstrom/claude-code-router/internal/cache"
	"github.com/JimStenstrom/claude-code-router/internal/config"
)

// ImageAgentName is the name recorded in Request.Agents.
const ImageAgentName = "image"

const (
	analyzeImageTool = "analyzeImage"

	// imageMarker ends every placeholder so analyzeImage can tell them apart
	// from the user's own text.
	imageMarker = "This is an image. Call analyzeImage with its imageId to view or analyze it."

	imageSystemNote = "You cannot see images. Every image in this conversation has been replaced by an " +
		"[Image #N] placeholder. When the user asks you to look at, describe, or extract information " +
		"from an image, call the analyzeImage tool with the ids of the images and a precise task, " +
		"and answer from its result."

	analyzeSystemPrompt = "You analyze images strictly according to the assigned task. Answer only what " +
		"the task asks for, describe what is visible without speculation, and when regions are " +
		"given, restrict the analysis to them."

	toolResultImageRead = "read image successfully"
)

var imageRefPattern = regexp.MustCompile(`\[Image #\d+\]`)

var analyzeImageSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "imageId": {
      "type": "array",
      "description": "ids of the images to analyze, the N of each [Image #N] placeholder",
      "items": {"type": "string"}
    },
    "task": {
      "type": "string",
      "description": "what to do with the images: describe, extract text, compare, locate elements"
    },
    "regions": {
      "type": "array",
      "description": "optional regions of interest",
      "items": {
        "type": "object",
        "properties": {
          "name": {"type": "string"},
          "description": {"type": "string"},
          "x": {"type": "number"},
          "y": {"type": "number"},
          "width": {"type": "number"},
          "height": {"type": "number"}
        },
        "required": ["name"]
      }
    }
  },
  "required": ["imageId", "task"]
}`)

// ImageAgent gives text-only models access to images. Images are replaced by
// placeholders and kept in a TTL cache; the analyzeImage tool sends them to
// the image route.
type ImageAgent struct {
	images *cache.TTLCache[adapters.ImageSource]
}

// NewImageAgent creates an image agent over images.
func NewImageAgent(images *cache.TTLCache[adapters.ImageSource]) *ImageAgent {
	return &ImageAgent{images: images}
}

func (a *ImageAgent) Name() string { return ImageAgentName }

// ShouldHandle reports whether any user message carries an image. When the
// last user message does and forceUseImageAgent is off, the request is
// redirected to the image route itself and the agent stays out of it.
func (a *ImageAgent) ShouldHandle(req *adapters.Request, cfg *config.Config) bool {
	image := cfg.Router.Image
	if image == "" || req.Model == image || len(req.Messages) == 0 {
		return false
	}

	last := &req.Messages[len(req.Messages)-1]
	if !cfg.ForceUseImageAgent && last.Role == adapters.RoleUser && adapters.HasImages(*last) {
		req.Model = image
		hoistToolResultImages(last)
		return false
	}

	for _, msg := range req.Messages {
		if msg.Role == adapters.RoleUser && adapters.HasImages(msg) {
			return true
		}
	}
	return false
}

// HandleRequest stashes every image under "<request id>_Image#<n>" and
// replaces it with a placeholder.
func (a *ImageAgent) HandleRequest(req *adapters.Request, cfg *config.Config) {
	appendSystemText(req, imageSystemNote)

	n := 1
	for i := range req.Messages {
		msg := &req.Messages[i]
		if msg.Role != adapters.RoleUser || !adapters.HasImages(*msg) {
			continue
		}
		for j := range msg.Content.Blocks {
			block := &msg.Content.Blocks[j]
			switch block.Type {
			case adapters.BlockImage:
				if block.Source != nil {
					a.images.Put(imageKey(req.ID, n), *block.Source)
				}
				block.Type, block.Text, block.Source = adapters.BlockText, placeholder(n), nil
				n++
			case adapters.BlockText:
				block.Text = imageRefPattern.ReplaceAllString(block.Text, "")
			case adapters.BlockToolResult:
				source, ok := firstImage(block.NestedBlocks())
				if !ok {
					continue
				}
				a.images.Put(imageKey(req.ID, n), source)
				block.Content = mustJSON(placeholder(n))
				n++
			}
		}
	}
}

func (a *ImageAgent) Tools() []Tool {
	return []Tool{{
		Name: analyzeImageTool,
		Description: "Analyze one or more images from the conversation. Pass the ids of the " +
			"[Image #N] placeholders and a precise task describing what to look for.",
		InputSchema: analyzeImageSchema,
		Handler:     a.analyzeImage,
	}}
}

func (a *ImageAgent) analyzeImage(ctx context.Context, args map[string]any, tc ToolContext) (string, error) {
	if tc.Client == nil {
		return "", errors.New("analyzeImage: no client")
	}

	var blocks []adapters.ContentBlock
	for _, id := range imageIDs(args["imageId"]) {
		source, ok := a.images.Get(imageKey(tc.Request.ID, id))
		if !ok {
			log.Warn().Str("request_id", tc.Request.ID).Str("image_id", id).Msg("analyzeImage: image not cached")
			continue
		}
		src := source
		blocks = append(blocks, adapters.ContentBlock{Type: adapters.BlockImage, Source: &src})
	}
	if len(blocks) == 0 {
		return "", fmt.Errorf("analyzeImage: none of the images %v are available", args["imageId"])
	}

	// The user's own words give the image model context.
	if n := len(tc.Request.Messages); n > 0 {
		last := tc.Request.Messages[n-1]
		if last.Role == adapters.RoleUser {
			for _, b := range last.Content.Blocks {
				if b.Type == adapters.BlockText && strings.TrimSpace(b.Text) != "" && !strings.Contains(b.Text, imageMarker) {
					blocks = append(blocks, adapters.TextBlock(b.Text))
				}
			}
		}
	}

	task, _ := args["task"].(string)
	prompt := "Task: " + task
	if regions, ok := args["regions"]; ok {
		if raw, err := json.Marshal(regions); err == nil {
			prompt += "\nRegions: " + string(raw)
		}
	}
	blocks = append(blocks, adapters.TextBlock(prompt))

	sub := &adapters.Request{
		ID:        tc.Request.ID,
		SessionID: tc.Request.SessionID,
		Depth:     tc.Request.Depth + 1,
		Model:     tc.Config.Router.Image,
		System:    adapters.SystemBlocks(adapters.TextBlock(analyzeSystemPrompt)),
		Messages:  []adapters.Message{{Role: adapters.RoleUser, Content: adapters.BlockContent(blocks...)}},
	}
	if err := sub.SetExtra("max_tokens", 4096); err != nil {
		return "", err
	}

	body, err := tc.Client.Complete(ctx, sub)
	if err != nil {
		return "", fmt.Errorf("analyzeImage: %w", err)
	}
	text := gjson.GetBytes(body, `content.#(type=="text").text`)
	if !text.Exists() {
		return "", fmt.Errorf("analyzeImage: response has no text content")
	}
	return text.String(), nil
}

// hoistToolResultImages moves images nested in tool results up into msg so an
// image-capable model sees them directly.
func hoistToolResultImages(msg *adapters.Message) {
	var images []adapters.ContentBlock
	for i := range msg.Content.Blocks {
		block := &msg.Content.Blocks[i]
		if block.Type != adapters.BlockToolResult {
			continue
		}
		nested := block.NestedBlocks()
		if nested == nil {
			continue
		}
		for _, nb := range nested {
			if nb.Type == adapters.BlockImage {
				images = append(images, nb)
			}
		}
		block.Content = mustJSON(toolResultImageRead)
	}
	msg.Content.Blocks = append(msg.Content.Blocks, images...)
}

func appendSystemText(req *adapters.Request, text string) {
	switch {
	case req.System.IsZero():
		req.System = adapters.SystemBlocks(adapters.TextBlock(text))
	case req.System.IsText():
		req.System = adapters.SystemBlocks(adapters.TextBlock(req.System.Text), adapters.TextBlock(text))
	default:
		req.System.Blocks = append(req.System.Blocks, adapters.TextBlock(text))
	}
}

func firstImage(blocks []adapters.ContentBlock) (adapters.ImageSource, bool) {
	for _, b := range blocks {
		if b.Type == adapters.BlockImage && b.Source != nil {
			return *b.Source, true
		}
	}
	return adapters.ImageSource{}, false
}

// imageIDs accepts a list or a single id, as strings or numbers.
func imageIDs(v any) []string {
	switch id := v.(type) {
	case nil:
		return nil
	case []any:
		ids := make([]string, 0, len(id))
		for _, x := range id {
			ids = append(ids, imageIDs(x)...)
		}
		return ids
	case float64:
		return []string{fmt.Sprintf("%d", int(id))}
	default:
		return []string{strings.Trim(strings.TrimSpace(fmt.Sprint(id)), "#")}
	}
}

func imageKey(requestID string, n any) string {
	return fmt.Sprintf("%s_Image#%v", requestID, n)
}

func placeholder(n int) string {
	return fmt.Sprintf("[Image #%d] %s", n, imageMarker)
}

func mustJSON(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}
