package capitation

import (
	"fmt"

	"github.com/warp/calcrule-engine/generic"
)

// Rights codes guarding the payment plan parameters.
var paramRights = map[string]string{
	"read":    "151201",
	"write":   "151202",
	"update":  "151203",
	"replace": "151206",
}

var hfLevels = []generic.ParamOption{
	{Value: "D", Label: map[string]string{"en": "Dispensary", "fr": "Dispensaire"}},
	{Value: "C", Label: map[string]string{"en": "Health Centre", "fr": "Centre de santé"}},
	{Value: "H", Label: map[string]string{"en": "Hospital", "fr": "Hôpital"}},
}

var hfSublevels = []generic.ParamOption{
	{Value: "I", Label: map[string]string{"en": "Integrated", "fr": "Intégré"}},
	{Value: "N", Label: map[string]string{"en": "Not integrated", "fr": "Non intégré"}},
	{Value: "R", Label: map[string]string{"en": "Reference", "fr": "Référence"}},
}

// weightParams are the capitation formula weights, in percent.
var weightParams = []struct{ name, en, fr string }{
	{"share_contribution", "Share of contribution", "Part de contribution"},
	{"weight_population", "Weight of population", "Poids de la population"},
	{"weight_number_families", "Weight of number of families", "Poids du nombre de ménages"},
	{"weight_insured_population", "Weight of insured population", "Poids de la population assurée"},
	{"weight_number_insured_families", "Weight of number of insured families", "Poids du nombre de ménages assurés"},
	{"weight_number_visits", "Weight of number of visits", "Poids du nombre de visites"},
	{"weight_adjusted_amount", "Weight of adjusted amount", "Poids du montant ajusté"},
}

// classParams builds the PaymentPlan parameter block: four care levels with
// their sublevels, the capitation weights and twelve monthly distribution
// percentages.
func classParams() []generic.ClassParams {
	var params []generic.ParamDef
	for i := 1; i <= 4; i++ {
		params = append(params,
			generic.ParamDef{
				Type:      "select",
				Name:      fmt.Sprintf("hf_level_%d", i),
				Label:     map[string]string{"en": fmt.Sprintf("HF level %d", i), "fr": fmt.Sprintf("Niveau FOSA %d", i)},
				Rights:    paramRights,
				Relevance: "True",
				Options:   hfLevels,
			},
			generic.ParamDef{
				Type:      "select",
				Name:      fmt.Sprintf("hf_sublevel_%d", i),
				Label:     map[string]string{"en": fmt.Sprintf("HF sublevel %d", i), "fr": fmt.Sprintf("Sous-niveau FOSA %d", i)},
				Rights:    paramRights,
				Relevance: "True",
				Options:   hfSublevels,
			},
		)
	}
	for _, w := range weightParams {
		params = append(params, generic.ParamDef{
			Type:      "number",
			Name:      w.name,
			Label:     map[string]string{"en": w.en, "fr": w.fr},
			Rights:    paramRights,
			Relevance: "True",
			Condition: "INPUT>=0 && INPUT<=100",
			Default:   "0",
		})
	}
	for m := 1; m <= 12; m++ {
		params = append(params, generic.ParamDef{
			Type:      "number",
			Name:      fmt.Sprintf("distr_%d", m),
			Label:     map[string]string{"en": fmt.Sprintf("Distribution month %d", m), "fr": fmt.Sprintf("Répartition mois %d", m)},
			Rights:    paramRights,
			Relevance: "True",
			Condition: "INPUT>=0 && INPUT<=100",
			Default:   "0",
		})
	}
	return []generic.ClassParams{{Class: generic.KindPaymentPlan, Parameters: params}}
}

// FromTo lists the conversions the rule performs.
var FromTo = []generic.Conversion{
	{From: generic.KindBatchRun, To: generic.KindBill},
}
