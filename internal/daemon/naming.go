package daemon

import (
	"fmt"
	"math/rand/v2"
	"regexp"
)

// instanceNameRE is the hostname-style shape every instance name must
// have: lowercase, letter first, hyphens only in the middle. Names end
// up as libvirt domain and volume names, so nothing looser is safe.
var instanceNameRE = regexp.MustCompile(`^[a-z]([a-z0-9-]*[a-z0-9])?$`)

// ValidInstanceName reports whether name is acceptable for an instance.
func ValidInstanceName(name string) bool {
	return instanceNameRE.MatchString(name)
}

var nameAdjectives = []string{
	"amiable", "breezy", "calm", "daring", "eager", "festive", "gentle",
	"hardy", "intent", "jolly", "keen", "lively", "mellow", "nimble",
	"ornate", "placid", "quick", "rapid", "sturdy", "tidy", "upbeat",
	"vivid", "warm", "zesty",
}

var nameAnimals = []string{
	"albatross", "badger", "cormorant", "dingo", "egret", "firefly",
	"gazelle", "heron", "ibex", "jackdaw", "kestrel", "lynx", "marmot",
	"narwhal", "ocelot", "pangolin", "quokka", "raccoon", "stoat",
	"tapir", "urchin", "vole", "wombat", "yak",
}

// petNameGenerator makes adjective-animal instance names. It implements
// vm.NameGenerator; the daemon retries generation while the name is
// taken, so uniqueness is not this type's concern.
type petNameGenerator struct{}

// NewNameGenerator returns the default instance name generator.
func NewNameGenerator() *petNameGenerator {
	return &petNameGenerator{}
}

func (petNameGenerator) MakeName() string {
	return fmt.Sprintf("%s-%s",
		nameAdjectives[rand.IntN(len(nameAdjectives))],
		nameAnimals[rand.IntN(len(nameAnimals))])
}
