package model

// DefaultClasses is the logit order of the HAM10000 classifiers we ship
var DefaultClasses = []string{"akiec", "bcc", "bkl", "df", "nv", "vasc", "mel"}

// LesionTypes maps a label code to its human readable diagnostic name
var LesionTypes = map[string]string{
	"nv":    "Melanocytic nevi",
	"mel":   "Melanoma",
	"bkl":   "Benign keratosis-like lesions",
	"bcc":   "Basal cell carcinoma",
	"akiec": "Actinic keratoses",
	"vasc":  "Vascular lesions",
	"df":    "Dermatofibroma",
}

func LesionType(label string) string {
	if name, ok := LesionTypes[label]; ok {
		return name
	}
	return label
}
