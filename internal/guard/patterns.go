package guard

import "regexp"

type pattern struct {
	rule string
	name string
	re   *regexp.Regexp
}

const (
	overrideTargets = `(?:instructions?|prompts?|directions?|directives?|rules?|guidelines?|programming|training)`
	priorWords      = `(?:previous|prior|above|earlier|preceding|former|foregoing|initial|original|system|old)`
)

func phrase(rule, name, expr string) pattern {
	return pattern{rule: rule, name: name, re: regexp.MustCompile(`\b` + expr + `\b`)}
}

// phrasePatterns run against folded text: lowercase letters separated by
// single spaces.
var phrasePatterns = []pattern{
	phrase("instruction_override", "ignore prior instructions", `ignore (?:(?:all|any|the|your|my|of|these|those) )*`+priorWords+`(?: `+priorWords+`)* `+overrideTargets),
	phrase("instruction_override", "ignore your instructions", `ignore (?:(?:all|of) )*your `+overrideTargets),
	phrase("instruction_override", "ignore above", `ignore (?:the |everything |all )?above`),
	phrase("instruction_override", "disregard prior instructions", `disregard (?:(?:all|any|the|your|my|of|these|those) )*(?:`+priorWords+` )*`+overrideTargets),
	phrase("instruction_override", "disregard previous", `disregard (?:all |the |everything )?(?:previous|prior|above|earlier|preceding)`),
	phrase("instruction_override", "forget everything", `forget (?:about )?(?:everything|all of that|anything)`),
	phrase("instruction_override", "forget prior instructions", `forget (?:(?:all|the|your|my) )*`+priorWords+` `+overrideTargets),
	phrase("instruction_override", "override instructions", `(?:override|bypass|circumvent) (?:(?:all|the|your|any) )*(?:`+priorWords+` )*(?:`+overrideTargets+`|safety|restrictions?|filters?|guardrails?)`),
	phrase("instruction_override", "new instructions", `(?:new|updated|revised|real|actual|hidden) (?:system )?instructions`),
	phrase("instruction_override", "new system prompt", `(?:new |updated |real |actual |hidden |reveal (?:the |your )?|print (?:the |your )?|show (?:me )?(?:the |your )?)?system prompt`),
	phrase("role_hijack", "you are now", `you are now`),
	phrase("role_hijack", "from now on", `from now on (?:you|your|ignore|act|respond|answer|behave)`),
	phrase("role_hijack", "pretend to be", `pretend(?:ing)? (?:to be|you are|that you are|you re)`),
	phrase("role_hijack", "roleplay", `role ?play(?:ing)?`),
	phrase("role_hijack", "act as", `(?:now |you must |you will |please )act as`),
	phrase("role_hijack", "act as unrestricted", `act as (?:an? |the |my )?(?:unrestricted|unfiltered|jailbroken|uncensored|evil|different|new|dan)`),
	phrase("role_hijack", "act as if", `act as if you`),
	phrase("jailbreak", "jailbreak", `jail ?break(?:ing|s)?`),
	phrase("jailbreak", "developer mode", `developer mode`),
	phrase("jailbreak", "do anything now", `do anything now`),
}

// markerPatterns run against lowercased text with punctuation intact.
var markerPatterns = []pattern{
	{rule: "role_marker", name: "chat role prefix", re: regexp.MustCompile(`(?m)^[ \t>*#-]*(?:system|assistant|developer)\s*:`)},
	{rule: "role_marker", name: "chat template token", re: regexp.MustCompile(`<\|?\s*(?:im_start|im_end|endoftext|system|assistant)\s*\|?>`)},
	{rule: "role_marker", name: "instruction tag", re: regexp.MustCompile(`\[/?(?:inst|sys)\]|<</?sys>>`)},
	{rule: "role_marker", name: "markdown role header", re: regexp.MustCompile(`(?m)^#{2,}\s*(?:system|instruction|instructions|new instructions)\b`)},
}

// compactPhrases catch letter-by-letter spacing such as "i g n o r e".
var compactPhrases = []string{
	"ignorepreviousinstructions",
	"ignoreallpreviousinstructions",
	"ignorepriorinstructions",
	"ignoreaboveinstructions",
	"disregardpreviousinstructions",
	"disregardallpreviousinstructions",
	"forgetallpreviousinstructions",
	"forgetpreviousinstructions",
	"newsystemprompt",
	"pretendtobe",
	"developermode",
	"doanythingnow",
	"jailbreak",
}
