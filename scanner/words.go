package scanner

import (
	"crypto/sha256"
	"encoding/binary"
)

// wordList is the pool of target words assigned when a match turns ready.
// All entries are five letters, lowercase.
var wordList = []string{
	"about", "above", "abuse", "actor", "adapt", "agile", "alarm", "alien",
	"amber", "angle", "ankle", "apple", "arrow", "aside", "awake", "badge",
	"baker", "beach", "began", "blank", "blaze", "blend", "block", "board",
	"brain", "brave", "bread", "brick", "brief", "broad", "brush", "cabin",
	"cable", "candy", "cargo", "chain", "chair", "charm", "chase", "chess",
	"chief", "civic", "claim", "clean", "clear", "climb", "cloud", "coast",
	"couch", "count", "crane", "crisp", "crowd", "crown", "dance", "depth",
	"diary", "dodge", "draft", "dream", "drift", "eagle", "early", "earth",
	"eight", "elbow", "ember", "equal", "event", "exact", "fable", "faith",
	"fancy", "feast", "fiber", "field", "flame", "flash", "fleet", "float",
	"flour", "focus", "forge", "frame", "fresh", "frost", "fruit", "gauge",
	"ghost", "giant", "glide", "globe", "glory", "grain", "grand", "grape",
	"grasp", "grass", "green", "guard", "guest", "guide", "habit", "happy",
	"heart", "hedge", "hinge", "honey", "horse", "house", "human", "ideal",
	"image", "index", "ivory", "jelly", "joint", "judge", "juice", "knife",
	"label", "large", "laser", "latch", "layer", "lemon", "level", "light",
	"lodge", "logic", "loyal", "lucky", "lunar", "lunch", "magic", "maple",
	"march", "marsh", "medal", "merit", "metal", "midst", "mirth", "model",
	"month", "moral", "mount", "mouse", "music", "noble", "north", "novel",
	"nurse", "ocean", "olive", "onion", "orbit", "order", "otter", "outer",
	"paint", "panel", "paper", "patch", "peace", "pearl", "phase", "piano",
	"pilot", "pitch", "plain", "plane", "plant", "plaza", "point", "pouch",
	"pride", "prime", "prize", "proof", "proud", "pulse", "quart", "queen",
	"quick", "quiet", "radio", "raise", "ranch", "range", "rapid", "reach",
	"realm", "ridge", "river", "roast", "robin", "rough", "round", "royal",
	"rural", "salad", "scale", "scout", "sense", "seven", "shade", "shape",
	"share", "sharp", "sheep", "shelf", "shine", "shore", "short", "sight",
	"skill", "slate", "sleep", "slice", "smile", "snack", "solar", "solid",
	"sound", "south", "space", "spare", "spark", "spice", "spike", "split",
	"sport", "stack", "stage", "stand", "steam", "steel", "stone", "storm",
	"story", "stove", "sugar", "sunny", "swift", "table", "taste", "teach",
	"thick", "thorn", "tiger", "timer", "toast", "torch", "tower", "trace",
	"track", "trade", "trail", "train", "treat", "trend", "trial", "trunk",
	"trust", "truth", "tulip", "ultra", "uncle", "union", "unity", "urban",
	"usual", "valid", "value", "vapor", "vault", "venue", "vivid", "vocal",
	"voice", "wagon", "waste", "watch", "water", "wheat", "wheel", "whole",
	"woven", "yield", "young", "youth", "zebra",
}

// PickWord deterministically assigns a target word to a match. Both the
// watcher and any out-of-band recovery derive the same word from the same
// match id, so a crash between assignment and persistence cannot fork the
// game.
func PickWord(matchID string) string {
	h := sha256.Sum256([]byte("guess5:word:" + matchID))
	n := binary.BigEndian.Uint64(h[:8])
	return wordList[n%uint64(len(wordList))]
}
