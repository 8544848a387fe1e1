package usda

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetailNutrientExtraction(t *testing.T) {
	body := `{
		"fdcId": 171688,
		"description": "Apples, raw, with skin",
		"dataType": "SR Legacy",
		"foodNutrients": [
			{"nutrient": {"id": 1008, "unitName": "KCAL"}, "amount": 52},
			{"nutrient": {"id": 1003, "unitName": "G"}, "amount": 0.26},
			{"nutrient": {"id": 1004, "unitName": "G"}, "amount": 0.17},
			{"nutrient": {"id": 1005, "unitName": "G"}, "amount": 13.8},
			{"nutrient": {"id": 1079, "unitName": "G"}, "amount": 2.4},
			{"nutrient": {"id": 1093, "unitName": "MG"}, "amount": 1},
			{"nutrient": {"id": 9999, "unitName": "G"}, "amount": 42}
		]
	}`

	var wire detailResponse
	require.NoError(t, json.Unmarshal([]byte(body), &wire))

	detail := wire.toDetail()
	assert.Equal(t, 171688, detail.FDCID)
	assert.InDelta(t, 52.0, detail.Nutrition[KeyCalories], 0.001)
	assert.InDelta(t, 0.26, detail.Nutrition[KeyProtein], 0.001)
	assert.InDelta(t, 2.4, detail.Nutrition[KeyFiber], 0.001)
	assert.InDelta(t, 1.0, detail.Nutrition[KeySodium], 0.001)

	// unrecognized nutrient IDs are dropped, not misfiled
	assert.Len(t, detail.Nutrition, 6)
}

func TestEnergyKilojouleConversion(t *testing.T) {
	t.Run("kJ-only record converts to kcal", func(t *testing.T) {
		acc := newAccumulator()
		acc.add(nutrientEnergyKJ, "kJ", 218.0)
		assert.InDelta(t, 218.0/4.184, acc.n[KeyCalories], 0.001)
	})

	t.Run("kcal id with kJ unit converts", func(t *testing.T) {
		acc := newAccumulator()
		acc.add(nutrientEnergyKcal, "kJ", 218.0)
		assert.InDelta(t, 218.0/4.184, acc.n[KeyCalories], 0.001)
	})

	t.Run("first populated energy form wins", func(t *testing.T) {
		acc := newAccumulator()
		acc.add(nutrientEnergyKcal, "KCAL", 52.0)
		acc.add(nutrientEnergyKJ, "kJ", 218.0)
		assert.InDelta(t, 52.0, acc.n[KeyCalories], 0.001)

		acc = newAccumulator()
		acc.add(nutrientEnergyKJ, "kJ", 218.0)
		acc.add(nutrientEnergyKcal, "KCAL", 52.0)
		assert.InDelta(t, 218.0/4.184, acc.n[KeyCalories], 0.001)
	})

	t.Run("zero amounts are ignored", func(t *testing.T) {
		acc := newAccumulator()
		acc.add(nutrientEnergyKcal, "KCAL", 0)
		acc.add(nutrientEnergyKJ, "kJ", 218.0)
		assert.InDelta(t, 218.0/4.184, acc.n[KeyCalories], 0.001)
	})
}

func TestSearchNutrientExtraction(t *testing.T) {
	body := `{
		"totalHits": 1,
		"foods": [{
			"fdcId": 2117388,
			"description": "BANANA",
			"dataType": "Branded",
			"brandOwner": "Some Brand",
			"gtinUpc": "0123456789012",
			"foodNutrients": [
				{"nutrientId": 1008, "unitName": "KCAL", "value": 89},
				{"nutrientId": 1005, "unitName": "G", "value": 22.8}
			]
		}]
	}`

	var wire searchResponse
	require.NoError(t, json.Unmarshal([]byte(body), &wire))
	require.Len(t, wire.Foods, 1)

	food := wire.Foods[0].toFood()
	assert.Equal(t, 2117388, food.FDCID)
	assert.Equal(t, "Some Brand", food.BrandOwner)
	assert.Equal(t, "0123456789012", food.GTINUPC)
	assert.InDelta(t, 89.0, food.Nutrition[KeyCalories], 0.001)
	assert.InDelta(t, 22.8, food.Nutrition[KeyCarbs], 0.001)
}

func TestNutritionScaleAndAdd(t *testing.T) {
	n := Nutrition{KeyCalories: 52, KeyFiber: 2.4}

	perPortion := n.Scale(1.5) // 150 g portion
	assert.InDelta(t, 78.0, perPortion[KeyCalories], 0.001)
	assert.InDelta(t, 3.6, perPortion[KeyFiber], 0.001)

	total := Nutrition{}
	total.Add(perPortion)
	total.Add(Nutrition{KeyCalories: 10})
	assert.InDelta(t, 88.0, total[KeyCalories], 0.001)
}

func TestHasCoreMacros(t *testing.T) {
	assert.True(t, Nutrition{KeyCalories: 52}.HasCoreMacros())
	assert.True(t, Nutrition{KeyProtein: 0.3}.HasCoreMacros())
	assert.False(t, Nutrition{KeyFiber: 2.4, KeySodium: 10}.HasCoreMacros())
	assert.False(t, Nutrition{}.HasCoreMacros())
}
