package assembler

import (
	"embed"
	"strings"

	"referralchat/app/model"
)

//go:embed prompts/*.txt
var promptFS embed.FS

// systemPrompts is the closed role table. RoleDefault must always be present.
var systemPrompts = map[model.Role]string{
	model.RoleDefault:  mustPrompt("default"),
	model.RoleReferrer: mustPrompt("referrer"),
	model.RoleVendor:   mustPrompt("vendor"),
	model.RoleHost:     mustPrompt("host"),
}

func mustPrompt(name string) string {
	data, err := promptFS.ReadFile("prompts/" + name + ".txt")
	if err != nil {
		panic(err)
	}

	return strings.TrimSpace(string(data))
}

// SystemPrompt returns the persona for role, falling back to the default one.
func SystemPrompt(role model.Role) string {
	if prompt, ok := systemPrompts[role]; ok {
		return prompt
	}

	return systemPrompts[model.RoleDefault]
}
