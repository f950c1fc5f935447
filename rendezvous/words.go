// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rendezvous

// words is the 256-entry list rendezvous and bootstrap codes draw from.
// Each word is indexed by one hash byte. Order is part of the code
// format: reordering or replacing entries changes every code.
var words = [256]string{
	"acorn", "adobe", "agate", "alder", "alpine", "amber", "anchor", "anvil",
	"apple", "apron", "arbor", "arctic", "arrow", "aspen", "atlas", "aurora",
	"autumn", "badge", "bamboo", "banjo", "barley", "basil", "beacon", "bell",
	"berry", "birch", "bison", "blaze", "bloom", "bluff", "bonnet", "border",
	"boulder", "bramble", "brass", "breeze", "brick", "bridge", "brook", "bubble",
	"buckle", "bugle", "butter", "cabin", "cactus", "camel", "canal", "candle",
	"canyon", "carbon", "cargo", "carrot", "castle", "cedar", "cellar", "cherry",
	"chess", "cider", "cinder", "circus", "citrus", "clover", "cobalt", "comet",
	"copper", "coral", "cotton", "cove", "crane", "crater", "creek", "cricket",
	"crystal", "cypress", "dahlia", "daisy", "delta", "desert", "dew", "dingo",
	"dolphin", "domino", "dove", "dragon", "drift", "drum", "dune", "eagle",
	"ebony", "echo", "elbow", "elm", "ember", "emerald", "engine", "falcon",
	"fable", "fern", "ferry", "fiddle", "fig", "finch", "fjord", "flame",
	"flint", "fog", "forest", "fossil", "fox", "frost", "galaxy", "garnet",
	"geyser", "ginger", "glacier", "globe", "gorge", "granite", "grape", "gravel",
	"grove", "gull", "harbor", "harvest", "hazel", "heron", "hickory", "hollow",
	"honey", "horizon", "hornet", "iris", "island", "ivory", "ivy", "jade",
	"jasper", "jelly", "jungle", "juniper", "kayak", "kelp", "kettle", "kiwi",
	"koala", "lagoon", "lantern", "larch", "lark", "laurel", "lava", "lemon",
	"lilac", "lily", "linen", "lotus", "lunar", "lynx", "magnet", "mango",
	"maple", "marble", "marsh", "meadow", "melon", "mesa", "meteor", "mint",
	"mirror", "mist", "molten", "moose", "mosaic", "moss", "nectar", "needle",
	"nickel", "nova", "oak", "oasis", "ocean", "olive", "onyx", "opal",
	"orbit", "orchid", "otter", "owl", "oyster", "paddle", "palm", "panda",
	"panther", "paper", "pebble", "pepper", "petal", "pine", "planet", "plum",
	"polar", "pond", "poppy", "prairie", "prism", "puffin", "quartz", "quill",
	"rabbit", "radish", "rain", "raven", "reef", "ridge", "river", "robin",
	"rocket", "ruby", "saddle", "saffron", "sage", "salmon", "sand", "sapphire",
	"satin", "shadow", "shell", "sierra", "silver", "slate", "sparrow", "spruce",
	"squid", "star", "stone", "storm", "summit", "sunset", "swan", "tiger",
	"timber", "topaz", "torch", "tulip", "tundra", "valley", "velvet", "violet",
	"walnut", "willow", "wagon", "walrus", "wasp", "whale", "wheat", "zephyr",
}

var wordIndex = func() map[string]int {
	index := make(map[string]int, len(words))
	for i, word := range words {
		index[word] = i
	}
	return index
}()
