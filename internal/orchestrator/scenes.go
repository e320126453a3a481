package orchestrator

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ShotsPerScene is the number of shots generated for one scene.
const ShotsPerScene = 3

// ErrInvalidScene is returned for a scene choice that is neither "all" nor a valid index.
var ErrInvalidScene = errors.New("orchestrator: invalid scene choice")

// Shot is one preset prompt within a scene.
type Shot struct {
	Name   string `json:"name"`
	Prompt string `json:"prompt"`
}

// Scene groups the wide, medium and close-up shots of one setting.
type Scene struct {
	Name  string              `json:"name"`
	Shots [ShotsPerScene]Shot `json:"shots"`
}

const (
	shotWide   = "Wide shot"
	shotMedium = "Medium shot"
	shotClose  = "Close-up"
)

var scenes = []Scene{
	{"Boutique / Showroom", [ShotsPerScene]Shot{
		{shotWide, "full-body fashion photo, model standing confidently inside a luxury boutique, surrounded by clothing racks and soft spotlights, elegant mirror reflections, polished marble floor, cinematic composition, editorial style, natural posing, high-end fashion campaign look"},
		{shotMedium, "half-body shot, focus on outfit details and silhouette, boutique background softly blurred, warm lighting on model's face, subtle reflections in glass, refined editorial mood, balanced framing"},
		{shotClose, "close-up of neckline and fabric texture, gold jewelry sparkle, blurred boutique shelves behind, shallow depth of field, glossy magazine aesthetic, ultra-detailed fabric texture"},
	}},
	{"Classic Living Room / Interior", [ShotsPerScene]Shot{
		{shotWide, "model posing in a spacious neoclassical living room with high ceilings, soft daylight through tall windows, neutral tones and elegant furniture, editorial look, clean perspective"},
		{shotMedium, "mid-shot near a vintage sofa or column, focus on outfit's silhouette, natural light highlighting the waistline, gentle shadows adding depth, refined minimal style"},
		{shotClose, "close-up on buttons, cuffs or neckline, soft warm reflection from nearby lamp, creamy background blur, tactile fabric texture captured sharply"},
	}},
	{"Street / Crossing", [ShotsPerScene]Shot{
		{shotWide, "full-body outdoor fashion photo, model crossing city street in motion, modern architecture and cars blurred behind, strong natural sunlight, dynamic yet elegant pose"},
		{shotMedium, "half-body shot at pedestrian crossing, breeze moving fabric slightly, confident expression, light bokeh from cars and buildings, stylish urban mood"},
		{shotClose, "close-up of collar, lapel, or accessories, city reflections in sunglasses or jewelry, cinematic contrast lighting, crisp texture of suiting fabric"},
	}},
	{"Industrial Loft", [ShotsPerScene]Shot{
		{shotWide, "model standing in spacious industrial loft, exposed brick walls and large windows, fashion editorial setup with soft daylight, minimalist props, artistic composition"},
		{shotMedium, "waist-up shot near window or column, warm sunlight highlighting face and outfit contours, contrast of textures (fabric vs. brick), modern creative feel"},
		{shotClose, "close-up of details, stitching, buttons, fabric folds, warm golden light, soft focus on background metal structures, tactile depth and realism"},
	}},
	{"Hotel Lobby / Luxury Hall", [ShotsPerScene]Shot{
		{shotWide, "full-body editorial fashion photo, model walking through a luxury hotel lobby with marble floors and chandeliers, warm golden ambient light, elegant interior perspective, cinematic composition, reflections on polished surfaces"},
		{shotMedium, "half-body portrait near elevator or marble column, warm soft lighting emphasizing the outfit silhouette, bokeh from chandeliers in background, poised confident pose, fashion campaign feel"},
		{shotClose, "close-up of neckline, jewelry, or fabric texture, background of blurred chandeliers, warm reflections on skin and metal details, glossy high-end magazine aesthetic"},
	}},
	{"Rooftop / City View Terrace", [ShotsPerScene]Shot{
		{shotWide, "full-body shot on rooftop terrace overlooking the city skyline, golden-hour light, wind in fabric and hair, cinematic horizon, sense of sophistication and independence"},
		{shotMedium, "waist-up shot with cityscape bokeh behind, sunset tones on skin and fabric, confident expression, subtle breeze moving the jacket, elevated mood"},
		{shotClose, "close-up of lapel, earring, or hair movement against blurred skyline, warm sunlight reflections, crisp detail on texture, modern editorial tone"},
	}},
	{"Art Gallery / Minimal Space", [ShotsPerScene]Shot{
		{shotWide, "full-body minimalist shot in modern art gallery, neutral white walls, abstract paintings, soft even lighting, refined and clean aesthetic"},
		{shotMedium, "mid-shot near sculpture or painting, focus on silhouette and clean lines, balanced symmetry, editorial calm tone"},
		{shotClose, "close-up on fabric folds or accessory detail, soft museum lighting, gentle background blur, artistic yet luxurious atmosphere"},
	}},
}

// Scenes returns a copy of the preset catalog in menu order.
func Scenes() []Scene {
	return append([]Scene(nil), scenes...)
}

// SelectScenes resolves a menu choice: "all" takes the first limit scenes
// (at least one), otherwise choice is a zero-based scene index. It returns
// the chosen scenes and a title for progress messages.
func SelectScenes(choice string, limit int) ([]Scene, string, error) {
	choice = strings.TrimSpace(strings.ToLower(choice))
	if choice == "all" {
		n := min(max(limit, 1), len(scenes))
		return append([]Scene(nil), scenes[:n]...), fmt.Sprintf("All scenes (%d×%d)", n, ShotsPerScene), nil
	}
	idx, err := strconv.Atoi(choice)
	if err != nil || idx < 0 || idx >= len(scenes) {
		return nil, "", fmt.Errorf("%w: %q", ErrInvalidScene, choice)
	}
	return []Scene{scenes[idx]}, "Scene: " + scenes[idx].Name, nil
}
