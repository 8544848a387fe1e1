package usda

import "strings"

// FoodData Central nutrient numbers. Energy appears under two IDs: 1008 is
// kilocalories, 1062 is kilojoules. A record may carry either or both.
const (
	nutrientEnergyKcal = 1008
	nutrientEnergyKJ   = 1062
)

const kjPerKcal = 4.184

var nutrientKeyByID = map[int]string{
	nutrientEnergyKcal: KeyCalories,
	1003:               KeyProtein,
	1004:               KeyFat,
	1005:               KeyCarbs,
	1079:               KeyFiber,
	2000:               KeySugar,
	1093:               KeySodium,
	1087:               KeyCalcium,
	1089:               KeyIron,
	1092:               KeyPotassium,
	1104:               KeyVitaminA,
	1162:               KeyVitaminC,
}

// wire shapes for /foods/search. Search hits carry a flattened nutrient
// list keyed by nutrientId.
type searchResponse struct {
	TotalHits int              `json:"totalHits"`
	Foods     []searchFoodWire `json:"foods"`
}

type searchFoodWire struct {
	FdcID         int                  `json:"fdcId"`
	Description   string               `json:"description"`
	DataType      string               `json:"dataType"`
	BrandOwner    string               `json:"brandOwner"`
	GtinUpc       string               `json:"gtinUpc"`
	FoodNutrients []searchNutrientWire `json:"foodNutrients"`
}

type searchNutrientWire struct {
	NutrientID int     `json:"nutrientId"`
	UnitName   string  `json:"unitName"`
	Value      float64 `json:"value"`
}

// wire shapes for /food/{id}. Detail records nest the nutrient identity
// one level deeper than search hits do.
type detailResponse struct {
	FdcID         int                  `json:"fdcId"`
	Description   string               `json:"description"`
	DataType      string               `json:"dataType"`
	GtinUpc       string               `json:"gtinUpc"`
	FoodNutrients []detailNutrientWire `json:"foodNutrients"`
}

type detailNutrientWire struct {
	Nutrient struct {
		ID       int    `json:"id"`
		UnitName string `json:"unitName"`
	} `json:"nutrient"`
	Amount float64 `json:"amount"`
}

// accumulator folds one nutrient observation at a time into a Nutrition
// map. Energy is special-cased: the first populated form wins, a second
// form for the same record is dropped rather than double-counted, and
// kilojoule values are converted to kilocalories.
type accumulator struct {
	n         Nutrition
	energySet bool
}

func newAccumulator() *accumulator {
	return &accumulator{n: make(Nutrition)}
}

func (a *accumulator) add(id int, unitName string, amount float64) {
	if amount <= 0 {
		return
	}

	switch id {
	case nutrientEnergyKcal:
		if a.energySet {
			return
		}
		if strings.EqualFold(unitName, "kJ") {
			amount /= kjPerKcal
		}
		a.n[KeyCalories] = amount
		a.energySet = true
		return
	case nutrientEnergyKJ:
		if a.energySet {
			return
		}
		a.n[KeyCalories] = amount / kjPerKcal
		a.energySet = true
		return
	}

	key, ok := nutrientKeyByID[id]
	if !ok {
		return
	}
	a.n[key] = amount
}

func (w searchFoodWire) toFood() SearchFood {
	acc := newAccumulator()
	for _, fn := range w.FoodNutrients {
		acc.add(fn.NutrientID, fn.UnitName, fn.Value)
	}
	return SearchFood{
		FDCID:       w.FdcID,
		Description: w.Description,
		DataType:    w.DataType,
		BrandOwner:  w.BrandOwner,
		GTINUPC:     w.GtinUpc,
		Nutrition:   acc.n,
	}
}

func (w detailResponse) toDetail() *FoodDetail {
	acc := newAccumulator()
	for _, fn := range w.FoodNutrients {
		acc.add(fn.Nutrient.ID, fn.Nutrient.UnitName, fn.Amount)
	}
	return &FoodDetail{
		FDCID:       w.FdcID,
		Description: w.Description,
		DataType:    w.DataType,
		GTINUPC:     w.GtinUpc,
		Nutrition:   acc.n,
	}
}
